package db

import (
	"time"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

func SetLoopModeCLI(dbPath string, id int, mode string) error {
	m, err := model.ParseLoopMode(mode)
	if err != nil {
		return err
	}
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	return UpdateLoopMode(conn, id, m, time.Now())
}
