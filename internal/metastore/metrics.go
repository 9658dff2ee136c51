package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// nextMetricIDKey is the checkpoint row holding the id allocator.
// Allocating through the checkpoint table (rather than MAX(id)+1) means
// an id is never reused, even after a hypothetical deletion.
const nextMetricIDKey = "next_metric_id"

// CreateMetric allocates the next metric id and persists the record.
// The ID field of m is ignored on input and set on success.
func (s *Store) CreateMetric(ctx context.Context, m *types.Metric) (types.MetricID, error) {
	if m.Name == "" {
		return 0, verrors.NewMissingField("name")
	}

	var id types.MetricID
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM metrics WHERE name = ?`, m.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check name: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("metric '%s': %w", m.Name, verrors.ErrMetricAlreadyExists)
		}

		var next int64
		err = tx.QueryRowContext(ctx,
			`SELECT value FROM checkpoints WHERE name = ?`, nextMetricIDKey).Scan(&next)
		if err == sql.ErrNoRows {
			next = 1
		} else if err != nil {
			return fmt.Errorf("read id allocator: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO checkpoints (name, value) VALUES (?, ?)`,
			nextMetricIDKey, next+1); err != nil {
			return fmt.Errorf("advance id allocator: %w", err)
		}

		id = types.MetricID(next)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO metrics (id, name, unit, category, aggregation, description, min_value, max_value)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(id), m.Name, m.Unit, m.Category.String(), m.Aggregation.String(),
			m.Description, m.MinValue, m.MaxValue)
		if err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.ID = id
	return id, nil
}

// UpdateMetric rewrites a metric record in place. Name and id are fixed;
// unit, category, aggregation, description, and bounds are editable.
func (s *Store) UpdateMetric(ctx context.Context, m *types.Metric) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE metrics
		 SET unit = ?, category = ?, aggregation = ?, description = ?, min_value = ?, max_value = ?
		 WHERE id = ?`,
		m.Unit, m.Category.String(), m.Aggregation.String(), m.Description,
		m.MinValue, m.MaxValue, int64(m.ID))
	if err != nil {
		return fmt.Errorf("update metric: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("metric id %d: %w", m.ID, verrors.ErrMetricNotFound)
	}
	return nil
}

// GetMetricByName looks a metric up by its case-sensitive name.
func (s *Store) GetMetricByName(ctx context.Context, name string) (*types.Metric, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, unit, category, aggregation, description, min_value, max_value
		 FROM metrics WHERE name = ?`, name)

	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, verrors.NewMetricNotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get metric by name: %w", err)
	}
	return m, nil
}

// GetMetric looks a metric up by id.
func (s *Store) GetMetric(ctx context.Context, id types.MetricID) (*types.Metric, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, unit, category, aggregation, description, min_value, max_value
		 FROM metrics WHERE id = ?`, int64(id))

	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("metric id %d: %w", id, verrors.ErrMetricNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metric: %w", err)
	}
	return m, nil
}

// ListMetrics returns all metric records ordered by name.
func (s *Store) ListMetrics(ctx context.Context) ([]types.Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, unit, category, aggregation, description, min_value, max_value
		 FROM metrics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []types.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, *m)
	}
	return metrics, rows.Err()
}

// SetCheckpoint stores a named int64 checkpoint (e.g. the highest
// indexed segment id).
func (s *Store) SetCheckpoint(ctx context.Context, name string, value int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (name, value) VALUES (?, ?)`,
		name, value); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", name, err)
	}
	return nil
}

// GetCheckpoint reads a named checkpoint. The second return value is
// false if it has never been set.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (int64, bool, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM checkpoints WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	return value, true, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMetric(row scanner) (*types.Metric, error) {
	var (
		m           types.Metric
		id          int64
		category    string
		aggregation string
		minValue    sql.NullFloat64
		maxValue    sql.NullFloat64
	)

	err := row.Scan(&id, &m.Name, &m.Unit, &category, &aggregation,
		&m.Description, &minValue, &maxValue)
	if err != nil {
		return nil, err
	}

	m.ID = types.MetricID(id)

	// Stored strings were produced by the enums' String methods, so a
	// parse failure means hand-edited rows; fall back to defaults.
	if cat, err := types.ParseCategory(category); err == nil {
		m.Category = cat
	} else {
		m.Category = types.CategoryCustom
	}
	if agg, err := types.ParseAggregation(strings.TrimSpace(aggregation)); err == nil {
		m.Aggregation = agg
	}

	if minValue.Valid {
		v := minValue.Float64
		m.MinValue = &v
	}
	if maxValue.Valid {
		v := maxValue.Float64
		m.MaxValue = &v
	}

	return &m, nil
}
