package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateCommand persists a new pending command record.
func (s *Store) CreateCommand(ctx context.Context, rec *CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, target_node_id, command_text, timeout_seconds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.TargetNodeID, rec.CommandText, rec.TimeoutSeconds, rec.Status, rec.CreatedAt)
	return err
}

// TransitionCommand moves a command to newStatus, stamping started_at /
// completed_at as appropriate. Callers are responsible for only requesting
// valid transitions (see dispatcher's state machine).
func (s *Store) TransitionCommand(ctx context.Context, commandID, newStatus string, now time.Time) error {
	switch newStatus {
	case CommandRunning:
		_, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ?, started_at = ? WHERE command_id = ?`,
			newStatus, now, commandID)
		return err
	case CommandSuccess, CommandFailed, CommandTimeout:
		_, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ?, completed_at = ? WHERE command_id = ?`,
			newStatus, now, commandID)
		return err
	case CommandUndeliverable:
		_, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ? WHERE command_id = ?`,
			newStatus, commandID)
		return err
	default:
		return fmt.Errorf("store: unsupported command transition to %q", newStatus)
	}
}

// AttachResult stores the terminal result row for a command.
func (s *Store) AttachResult(ctx context.Context, commandID string, result CommandResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_results (command_id, exit_code, stdout, stderr, execution_time_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			exit_code = excluded.exit_code, stdout = excluded.stdout,
			stderr = excluded.stderr, execution_time_ms = excluded.execution_time_ms`,
		commandID, result.ExitCode, result.Stdout, result.Stderr, result.ExecutionTimeMS)
	return err
}

const commandColumns = `command_id, target_node_id, command_text, timeout_seconds, status, created_at, started_at, completed_at`

func scanCommand(row interface {
	Scan(dest ...interface{}) error
}) (*CommandRecord, error) {
	var rec CommandRecord
	var started, completed sql.NullTime
	if err := row.Scan(&rec.CommandID, &rec.TargetNodeID, &rec.CommandText, &rec.TimeoutSeconds,
		&rec.Status, &rec.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// GetCommand returns a command with its result attached, if any, or nil.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	rec, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resRow := s.db.QueryRowContext(ctx, `
		SELECT exit_code, stdout, stderr, execution_time_ms FROM command_results WHERE command_id = ?`, commandID)
	var result CommandResult
	if err := resRow.Scan(&result.ExitCode, &result.Stdout, &result.Stderr, &result.ExecutionTimeMS); err == nil {
		rec.Result = &result
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	return rec, nil
}

// ListCommands returns commands matching filter, most recent first.
func (s *Store) ListCommands(ctx context.Context, filter CommandFilter) ([]*CommandRecord, error) {
	where := []string{}
	args := []interface{}{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.NodeID != "" {
		where = append(where, "target_node_id = ?")
		args = append(args, filter.NodeID)
	}

	clause := ""
	for i, w := range where {
		if i == 0 {
			clause = "WHERE " + w
		} else {
			clause += " AND " + w
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + commandColumns + ` FROM commands ` + clause + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingOrRunning returns every command currently in a non-terminal state,
// used on startup to recover the dispatcher's in-memory waiter set.
func (s *Store) PendingOrRunning(ctx context.Context) ([]*CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE status IN (?, ?) ORDER BY created_at ASC`, CommandPending, CommandRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
