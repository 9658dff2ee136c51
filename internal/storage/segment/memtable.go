package segment

import (
	"sync"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Memtable buffers WAL-durable points until they are sealed.
//
// Two slots are double-buffered: ingestion appends to the active slot
// while a seal compresses a stable snapshot of the other. The swap holds
// the lock only briefly, so sealing never blocks ingestion for long.
type Memtable struct {
	mu sync.Mutex

	slots   [2][]types.Point
	active  int
	sealing bool
}

// NewMemtable creates an empty memtable.
func NewMemtable() *Memtable {
	return &Memtable{}
}

// Insert appends a point to the active slot. The point must already be
// WAL-durable.
func (m *Memtable) Insert(p types.Point) {
	m.mu.Lock()
	m.slots[m.active] = append(m.slots[m.active], p)
	m.mu.Unlock()
}

// InsertBatch appends points to the active slot in order.
func (m *Memtable) InsertBatch(points []types.Point) {
	m.mu.Lock()
	m.slots[m.active] = append(m.slots[m.active], points...)
	m.mu.Unlock()
}

// Swap begins a seal: the active slot becomes the sealing snapshot and
// new inserts go to the other slot. Returns ErrSealing if a seal is
// already in flight, and an empty slice if there is nothing to seal.
// The caller must finish with Commit or Abort.
func (m *Memtable) Swap() ([]types.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealing {
		return nil, verrors.ErrSealing
	}

	snapshot := m.slots[m.active]
	if len(snapshot) == 0 {
		return nil, nil
	}

	m.sealing = true
	m.active = 1 - m.active
	return snapshot, nil
}

// Commit completes a seal, discarding the sealed snapshot.
func (m *Memtable) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sealing {
		return
	}
	m.slots[1-m.active] = nil
	m.sealing = false
}

// Abort cancels a failed seal, returning the snapshot's points to the
// front of the active slot so arrival order is preserved for the retry.
func (m *Memtable) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sealing {
		return
	}

	sealed := m.slots[1-m.active]
	current := m.slots[m.active]

	merged := make([]types.Point, 0, len(sealed)+len(current))
	merged = append(merged, sealed...)
	merged = append(merged, current...)

	m.slots[m.active] = merged
	m.slots[1-m.active] = nil
	m.sealing = false
}

// Snapshot returns a copy of every unsealed point in arrival order,
// including an in-flight sealing snapshot. Queries serve unsealed data
// from this copy without holding the lock during the scan.
func (m *Memtable) Snapshot() []types.Point {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sealingSlot []types.Point
	if m.sealing {
		sealingSlot = m.slots[1-m.active]
	}
	activeSlot := m.slots[m.active]

	out := make([]types.Point, 0, len(sealingSlot)+len(activeSlot))
	out = append(out, sealingSlot...)
	out = append(out, activeSlot...)
	return out
}

// Len returns the number of unsealed points, including any in-flight
// sealing snapshot.
func (m *Memtable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.slots[m.active])
	if m.sealing {
		n += len(m.slots[1-m.active])
	}
	return n
}

// ActiveLen returns the number of points awaiting the next seal.
func (m *Memtable) ActiveLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots[m.active])
}
