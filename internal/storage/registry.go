package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/metastore"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// registry is the in-memory metric catalog, write-through to the
// metastore. Every metric row is loaded at open; the working set is
// small (a person tracks tens of metrics, not millions).
type registry struct {
	mu         sync.RWMutex
	meta       *metastore.Store
	byName     map[string]*types.Metric
	byID       map[types.MetricID]*types.Metric
	autoCreate bool
}

func newRegistry(ctx context.Context, meta *metastore.Store, autoCreate bool) (*registry, error) {
	metrics, err := meta.ListMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}

	r := &registry{
		meta:       meta,
		byName:     make(map[string]*types.Metric, len(metrics)),
		byID:       make(map[types.MetricID]*types.Metric, len(metrics)),
		autoCreate: autoCreate,
	}
	for i := range metrics {
		m := &metrics[i]
		r.byName[m.Name] = m
		r.byID[m.ID] = m
	}
	return r, nil
}

// Lookup finds a metric by its case-sensitive name. Never creates.
// Satisfies the query executor's resolver interface.
func (r *registry) Lookup(_ context.Context, name string) (*types.Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byName[name]
	if !ok {
		return nil, verrors.NewMetricNotFound(name)
	}
	return m, nil
}

// LookupID finds a metric by id.
func (r *registry) LookupID(id types.MetricID) (*types.Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("metric id %d: %w", id, verrors.ErrMetricNotFound)
	}
	return m, nil
}

// Resolve finds a metric for ingest. Unknown names are auto-created
// with defaults when enabled, rejected otherwise.
func (r *registry) Resolve(ctx context.Context, name string) (*types.Metric, error) {
	if m, err := r.Lookup(ctx, name); err == nil {
		return m, nil
	}

	if !r.autoCreate {
		return nil, verrors.NewMetricNotFound(name)
	}

	return r.Register(ctx, &types.Metric{
		Name:        name,
		Category:    types.CategoryCustom,
		Aggregation: types.AggregationAverage,
	})
}

// Register creates a new metric. The id is allocated by the metastore
// and set on the returned copy.
func (r *registry) Register(ctx context.Context, m *types.Metric) (*types.Metric, error) {
	verrs := verrors.NewValidationErrors()
	if m.Name == "" {
		verrs.Add(verrors.NewMissingField("name"))
	} else if err := validateName(m.Name); err != nil {
		verrs.Add(err)
	}
	if m.MinValue != nil && m.MaxValue != nil && *m.MinValue > *m.MaxValue {
		verrs.Add(verrors.NewValidation("min_value",
			fmt.Sprintf("min %v exceeds max %v", *m.MinValue, *m.MaxValue)))
	}
	if err := verrs.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock: a concurrent Resolve may have won.
	if existing, ok := r.byName[m.Name]; ok {
		if r.autoCreate {
			return existing, nil
		}
		return nil, fmt.Errorf("metric '%s': %w", m.Name, verrors.ErrMetricAlreadyExists)
	}

	created := *m
	if _, err := r.meta.CreateMetric(ctx, &created); err != nil {
		return nil, err
	}

	r.byName[created.Name] = &created
	r.byID[created.ID] = &created
	return &created, nil
}

// Update rewrites a metric's mutable fields. Name and id are fixed.
func (r *registry) Update(ctx context.Context, m *types.Metric) (*types.Metric, error) {
	if m.MinValue != nil && m.MaxValue != nil && *m.MinValue > *m.MaxValue {
		return nil, verrors.NewValidation("min_value",
			fmt.Sprintf("min %v exceeds max %v", *m.MinValue, *m.MaxValue))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[m.ID]
	if !ok {
		return nil, fmt.Errorf("metric id %d: %w", m.ID, verrors.ErrMetricNotFound)
	}
	if m.Name != "" && m.Name != existing.Name {
		return nil, verrors.NewValidation("name", "metric names are immutable")
	}

	updated := *m
	updated.Name = existing.Name
	if err := r.meta.UpdateMetric(ctx, &updated); err != nil {
		return nil, err
	}

	r.byName[updated.Name] = &updated
	r.byID[updated.ID] = &updated
	return &updated, nil
}

// List returns all metrics ordered by name.
func (r *registry) List(ctx context.Context) ([]types.Metric, error) {
	return r.meta.ListMetrics(ctx)
}

// Count returns the number of registered metrics.
func (r *registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// validateName rejects names with whitespace or control characters;
// names are referenced from command lines and export headers, where
// such characters make them unaddressable.
func validateName(name string) error {
	if i := strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); i >= 0 {
		return fmt.Errorf("metric %q: whitespace or control characters: %w",
			name, verrors.ErrInvalidName)
	}
	return nil
}

// validateValue checks a value against the metric's configured bounds.
// Runs before the point touches the WAL; a rejected point leaves no
// trace anywhere.
func validateValue(m *types.Metric, value float64) error {
	if m.MinValue != nil && value < *m.MinValue {
		return verrors.NewOutOfBounds(m.Name, value, *m.MinValue, "min")
	}
	if m.MaxValue != nil && value > *m.MaxValue {
		return verrors.NewOutOfBounds(m.Name, value, *m.MaxValue, "max")
	}
	return nil
}
