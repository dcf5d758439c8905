package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

var ErrLoopNotFound = errors.New("loop not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoop(row rowScanner) (model.Loop, error) {
	var l model.Loop
	var mode string
	var expeditedStartedAt, lastValveMoveAt sql.NullString
	if err := row.Scan(&l.ID, &mode, &expeditedStartedAt, &l.ValvePosition, &lastValveMoveAt, &l.PumpOn); err != nil {
		return l, err
	}
	l.Mode = model.LoopMode(mode)
	l.ExpeditedStartedAt = parseTime(expeditedStartedAt)
	l.LastValveMoveAt = parseTime(lastValveMoveAt)
	return l, nil
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// GetLoops returns every controlled loop ordered by id.
func GetLoops(conn *sql.DB) ([]model.Loop, error) {
	rows, err := conn.Query(`SELECT id, mode, expedited_started_at, valve_position, last_valve_move_at, pump_on FROM loops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loops: %w", err)
	}
	defer rows.Close()

	var loops []model.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loop: %w", err)
		}
		loops = append(loops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read loops: %w", err)
	}
	return loops, nil
}

func GetLoopByID(conn *sql.DB, id int) (*model.Loop, error) {
	row := conn.QueryRow(`SELECT id, mode, expedited_started_at, valve_position, last_valve_move_at, pump_on FROM loops WHERE id = ?`, id)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrLoopNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loop %d: %w", id, err)
	}
	return &l, nil
}

type DeviceEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Sensors   int       `json:"sensors,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GetRecentDeviceEvents returns up to limit events, newest first.
func GetRecentDeviceEvents(conn *sql.DB, limit int) ([]DeviceEvent, error) {
	rows, err := conn.Query(`SELECT id, kind, message, sensors, created_at FROM device_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer rows.Close()

	var events []DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Message, &e.Sensors, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan device event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
