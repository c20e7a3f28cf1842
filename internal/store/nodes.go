package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertNode inserts or updates a node's identity fields, returning the
// current row. Idempotent modulo updated_at.
func (s *Store) UpsertNode(ctx context.Context, nodeID string, info NodeInfo) (*Node, error) {
	now := time.Now().UTC()

	existing, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (node_id, hostname, ip_address, os_info, status, registered_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nodeID, info.Hostname, info.IPAddress, info.OSInfo, StatusOffline, now, now)
		if err != nil {
			return nil, err
		}
	} else {
		_, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET hostname = ?, ip_address = ?, os_info = ?, updated_at = ?
			WHERE node_id = ?`,
			info.Hostname, info.IPAddress, info.OSInfo, now, nodeID)
		if err != nil {
			return nil, err
		}
	}

	return s.GetNode(ctx, nodeID)
}

// MarkOnline sets status=online and records the heartbeat timestamp.
func (s *Store) MarkOnline(ctx context.Context, nodeID string, heartbeatTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, last_heartbeat = ?, updated_at = ? WHERE node_id = ?`,
		StatusOnline, heartbeatTime, time.Now().UTC(), nodeID)
	return err
}

// MarkOffline sets status=offline, leaving last_heartbeat untouched.
func (s *Store) MarkOffline(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
		StatusOffline, time.Now().UTC(), nodeID)
	return err
}

func scanNode(row interface {
	Scan(dest ...interface{}) error
}) (*Node, error) {
	var n Node
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&n.NodeID, &n.Hostname, &n.IPAddress, &n.OSInfo, &n.Status,
		&lastHeartbeat, &n.RegisteredAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		n.LastHeartbeat = &t
	}
	return &n, nil
}

// GetNode returns the node or nil if it does not exist.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
		FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNodes returns a page of nodes matching filter and the total count
// before paging.
func (s *Store) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, int, error) {
	where := ""
	args := []interface{}{}
	if filter.Status != "" {
		where = "WHERE status = ?"
		args = append(args, filter.Status)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM nodes " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
		FROM nodes ` + where + ` ORDER BY node_id LIMIT ? OFFSET ?`
	queryArgs := append(append([]interface{}{}, args...), limit, offset)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, n)
	}
	return nodes, total, rows.Err()
}

// DeleteNode removes a node and (via ON DELETE CASCADE) its metric samples.
// Returns false if the node did not exist.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllNodes returns every node, unpaginated, for the observer broadcaster's
// full-snapshot refresh.
func (s *Store) AllNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
		FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodeStats is the aggregate shape for GET /nodes/stats.
type NodeStats struct {
	Total   int
	Online  int
	Offline int
}

// NodeStats computes counts by status.
func (s *Store) NodeStats(ctx context.Context) (*NodeStats, error) {
	stats := &NodeStats{}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM nodes GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case StatusOnline:
			stats.Online = count
		case StatusOffline:
			stats.Offline = count
		}
	}
	return stats, rows.Err()
}

// CleanupStaleNodes deletes offline nodes that have had no heartbeat since
// before cutoff (or were never heard from and registered before cutoff),
// returning the number removed.
func (s *Store) CleanupStaleNodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM nodes
		WHERE status = ?
		  AND (last_heartbeat IS NULL AND registered_at < ? OR last_heartbeat < ?)`,
		StatusOffline, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StaleNodes returns node_ids currently online whose last_heartbeat is
// older than cutoff — used by the heartbeat monitor sweep.
func (s *Store) StaleNodes(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id FROM nodes
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusOnline, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
