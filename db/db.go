package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS loops (
		id INTEGER PRIMARY KEY,
		mode TEXT NOT NULL,
		expedited_started_at TEXT DEFAULT NULL,
		valve_position REAL NOT NULL DEFAULT 0,
		last_valve_move_at TEXT DEFAULT NULL,
		pump_on BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS device_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		sensors INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_created_at ON device_events (created_at)`,
}

// Open connects to the sqlite file at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; the control loop and the API share it
	conn.SetMaxOpenConns(1)

	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func Migrate(conn *sql.DB) error {
	tx, err := StartTransaction(conn)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			RollbackTransaction(tx)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return CommitTransaction(tx)
}

// SeedLoops inserts rows for loops that do not exist yet, using the configured
// initial modes. Existing rows keep whatever the operator last set.
func SeedLoops(conn *sql.DB, modes []model.LoopMode) error {
	tx, err := StartTransaction(conn)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	seeded := 0
	for id, mode := range modes {
		res, err := tx.Exec(`INSERT OR IGNORE INTO loops (id, mode) VALUES (?, ?)`, id, string(mode))
		if err != nil {
			return fmt.Errorf("failed to insert loop %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}
	// loops dropped from the config are not controlled any more
	if _, err := tx.Exec(`DELETE FROM loops WHERE id >= ?`, len(modes)); err != nil {
		return fmt.Errorf("failed to prune loops: %w", err)
	}

	if err := CommitTransaction(tx); err != nil {
		return err
	}
	if seeded > 0 {
		log.Info().Int("loops", seeded).Msg("Seeded heating loops from config")
	}
	return nil
}
