package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(conn *sql.DB) (*sql.Tx, error) {
	tx, err := conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction. Rolling back a
// committed transaction is a no-op.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// UpdateLoopMode sets the operator mode of a loop. Entering expedited stamps
// the start time used for expiry; any other mode clears it.
func UpdateLoopMode(conn *sql.DB, id int, mode model.LoopMode, now time.Time) error {
	tx, err := StartTransaction(conn)
	if err != nil {
		return err
	}
	if err := UpdateLoopModeWithTx(tx, id, mode, now); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func UpdateLoopModeWithTx(tx *sql.Tx, id int, mode model.LoopMode, now time.Time) error {
	var startedAt *time.Time
	if mode == model.LoopExpedited {
		startedAt = &now
	}
	res, err := tx.Exec(`UPDATE loops SET mode = ?, expedited_started_at = ? WHERE id = ?`, string(mode), formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("update loop mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrLoopNotFound, id)
	}
	return nil
}

// ForceLoopMode replaces the mode of a loop the control loop evaluated, but
// only while the row still holds the mode and expedited start it saw. It
// reports false when an operator changed the mode in the meantime.
func ForceLoopMode(conn *sql.DB, seen model.Loop, mode model.LoopMode, now time.Time) (bool, error) {
	var startedAt *time.Time
	if mode == model.LoopExpedited {
		startedAt = &now
	}
	res, err := conn.Exec(`UPDATE loops SET mode = ?, expedited_started_at = ?
		WHERE id = ? AND mode = ? AND expedited_started_at IS ?`,
		string(mode), formatTime(startedAt), seen.ID, string(seen.Mode), formatTime(seen.ExpeditedStartedAt))
	if err != nil {
		return false, fmt.Errorf("force loop %d mode: %w", seen.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("force loop %d mode: %w", seen.ID, err)
	}
	return n > 0, nil
}

// UpdateLoopActuators stores what the control loop did to a loop's valve and
// pump. The operator mode is left untouched.
func UpdateLoopActuators(conn *sql.DB, l model.Loop) error {
	tx, err := StartTransaction(conn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE loops SET valve_position = ?, last_valve_move_at = ?, pump_on = ? WHERE id = ?`,
		l.ValvePosition, formatTime(l.LastValveMoveAt), l.PumpOn, l.ID)
	if err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("update loop %d actuators: %w", l.ID, err)
	}
	return CommitTransaction(tx)
}

func InsertDeviceEvent(conn *sql.DB, kind, message string, sensors int, at time.Time) error {
	_, err := conn.Exec(`INSERT INTO device_events (kind, message, sensors, created_at) VALUES (?, ?, ?, ?)`,
		kind, message, sensors, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}
	return nil
}

// PruneDeviceEvents drops events older than the cutoff.
func PruneDeviceEvents(conn *sql.DB, before time.Time) (int64, error) {
	res, err := conn.Exec(`DELETE FROM device_events WHERE created_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune device events: %w", err)
	}
	return res.RowsAffected()
}
