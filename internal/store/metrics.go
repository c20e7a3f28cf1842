package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertMetric persists one sample. Samples are never mutated afterward.
func (s *Store) InsertMetric(ctx context.Context, m MetricSample) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_metrics
			(node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
			 memory_total, memory_available, disk_total, disk_available, uptime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.NodeID, m.MetricTime, m.CPUUsage, m.MemoryUsage, m.DiskUsage, m.LoadAverage,
		m.MemoryTotal, m.MemoryAvailable, m.DiskTotal, m.DiskAvailable, m.Uptime, now)
	return err
}

func scanMetric(row interface {
	Scan(dest ...interface{}) error
}) (*MetricSample, error) {
	var m MetricSample
	if err := row.Scan(&m.NodeID, &m.MetricTime, &m.CPUUsage, &m.MemoryUsage, &m.DiskUsage,
		&m.LoadAverage, &m.MemoryTotal, &m.MemoryAvailable, &m.DiskTotal, &m.DiskAvailable,
		&m.Uptime, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

const metricColumns = `node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
	memory_total, memory_available, disk_total, disk_available, uptime, created_at`

// LatestMetric returns the most recently reported sample for a node, or nil.
func (s *Store) LatestMetric(ctx context.Context, nodeID string) (*MetricSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metricColumns+` FROM node_metrics
		WHERE node_id = ? ORDER BY metric_time DESC LIMIT 1`, nodeID)
	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AllLatest returns the latest sample per node, keyed by node_id.
func (s *Store) AllLatest(ctx context.Context) (map[string]*MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+` FROM node_metrics m
		WHERE m.metric_time = (
			SELECT MAX(m2.metric_time) FROM node_metrics m2 WHERE m2.node_id = m.node_id
		)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*MetricSample{}
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out[m.NodeID] = m
	}
	return out, rows.Err()
}

// ListMetrics returns samples for a node within [start, end], most recent
// first, bounded by limit/offset.
func (s *Store) ListMetrics(ctx context.Context, nodeID string, start, end time.Time, limit, offset int) ([]*MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+` FROM node_metrics
		WHERE node_id = ? AND metric_time BETWEEN ? AND ?
		ORDER BY metric_time DESC LIMIT ? OFFSET ?`, nodeID, start, end, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MetricSample
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Summary computes avg/max per field and the sample count over a range.
func (s *Store) Summary(ctx context.Context, nodeID string, start, end time.Time) (*MetricsSummary, error) {
	var sum MetricsSummary
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			AVG(cpu_usage), MAX(cpu_usage),
			AVG(memory_usage), MAX(memory_usage),
			AVG(disk_usage), MAX(disk_usage),
			AVG(load_average), MAX(load_average)
		FROM node_metrics WHERE node_id = ? AND metric_time BETWEEN ? AND ?`,
		nodeID, start, end)

	if err := row.Scan(&sum.Count, &sum.AvgCPU, &sum.MaxCPU, &sum.AvgMemory, &sum.MaxMemory,
		&sum.AvgDisk, &sum.MaxDisk, &sum.AvgLoadAverage, &sum.MaxLoadAverage); err != nil {
		return nil, err
	}
	return &sum, nil
}

// PruneMetrics deletes samples older than before, returning the row count
// removed. A second call with the same cutoff deletes zero rows.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM node_metrics WHERE metric_time < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
