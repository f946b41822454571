package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// VectorIndex is a flat in-memory index searched by brute-force cosine
// similarity. Entries are append-only and IDs are assigned monotonically,
// so ID order is insertion order.
//
// Readers take mu.RLock. Mutations that must be durable go through
// InsertAndSave, which is serialized by writeMu and only publishes new
// entries after the persister accepted them.
type VectorIndex struct {
	writeMu sync.Mutex

	mu         sync.RWMutex
	instanceID string
	dimension  int
	model      string
	nextID     uint64
	entries    []entry
	generation uint64
}

type entry struct {
	id       uint64
	vector   []float32
	norm     float64
	metadata domain.Metadata
}

// NewVectorIndex creates an empty index. A dimension of 0 is pinned by
// the first insert.
func NewVectorIndex(dimension int, model string) *VectorIndex {
	return &VectorIndex{
		instanceID: uuid.NewString(),
		dimension:  dimension,
		model:      model,
		nextID:     1,
	}
}

// Load restores an index from p. It returns domain.ErrNotFound when
// nothing was saved and domain.ErrIndexCorruption when the snapshot is
// inconsistent.
func Load(ctx context.Context, p port.IndexPersister) (*VectorIndex, error) {
	snap, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap)
}

// FromSnapshot validates snap and builds an index from it.
func FromSnapshot(snap domain.Snapshot) (*VectorIndex, error) {
	if err := checkSchemaVersion(snap.SchemaVersion); err != nil {
		return nil, err
	}

	idx := NewVectorIndex(snap.Dimension, snap.Model)
	if snap.InstanceID != "" {
		idx.instanceID = snap.InstanceID
	}
	idx.entries = make([]entry, 0, len(snap.Entries))

	var lastID uint64
	for i, e := range snap.Entries {
		if e.ID <= lastID {
			return nil, fmt.Errorf("%w: entry %d has non-increasing id %d", domain.ErrIndexCorruption, i, e.ID)
		}
		if idx.dimension == 0 {
			idx.dimension = len(e.Vector)
		}
		if len(e.Vector) != idx.dimension {
			return nil, fmt.Errorf("%w: entry %d has dimension %d, index has %d", domain.ErrIndexCorruption, e.ID, len(e.Vector), idx.dimension)
		}
		idx.entries = append(idx.entries, newEntry(e.ID, e.Vector, e.Metadata))
		lastID = e.ID
	}

	idx.nextID = snap.NextID
	if idx.nextID <= lastID {
		idx.nextID = lastID + 1
	}
	return idx, nil
}

func newEntry(id uint64, vector []float32, metadata domain.Metadata) entry {
	var norm float64
	for _, x := range vector {
		norm += float64(x) * float64(x)
	}
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	return entry{id: id, vector: vector, norm: math.Sqrt(norm), metadata: metadata}
}

// Insert appends items without persisting them. Either all items are
// inserted or, on a dimension mismatch, none are.
func (idx *VectorIndex) Insert(items []domain.VectorItem) ([]uint64, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	next, dim, ids, err := idx.prepare(items)
	if err != nil {
		return nil, err
	}
	idx.publish(next, dim, ids)
	return ids, nil
}

// InsertAndSave appends items and persists the resulting snapshot. The
// new entries become visible to Search only after Save succeeded; on any
// error the index is unchanged.
func (idx *VectorIndex) InsertAndSave(ctx context.Context, p port.IndexPersister, items []domain.VectorItem) ([]uint64, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	next, dim, ids, err := idx.prepare(items)
	if err != nil {
		return nil, err
	}

	snap := idx.snapshotOf(next, dim, idx.nextID+uint64(len(items)))
	if err := p.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to persist index: %w", err)
	}

	idx.publish(next, dim, ids)
	return ids, nil
}

// prepare validates items and builds the candidate entry slice. Callers
// hold writeMu. The returned slice may share its backing array with
// idx.entries; slots past len(idx.entries) are never read by searchers.
func (idx *VectorIndex) prepare(items []domain.VectorItem) ([]entry, int, []uint64, error) {
	idx.mu.RLock()
	dim := idx.dimension
	current := idx.entries
	nextID := idx.nextID
	idx.mu.RUnlock()

	for _, item := range items {
		if len(item.Vector) == 0 {
			return nil, 0, nil, fmt.Errorf("%w: empty vector", domain.ErrInvalidInput)
		}
		if dim == 0 {
			dim = len(item.Vector)
		}
		if len(item.Vector) != dim {
			return nil, 0, nil, domain.DimensionError(dim, len(item.Vector))
		}
	}

	ids := make([]uint64, len(items))
	next := current
	for i, item := range items {
		ids[i] = nextID + uint64(i)
		next = append(next, newEntry(ids[i], item.Vector, item.Metadata.Clone()))
	}
	return next, dim, ids, nil
}

func (idx *VectorIndex) publish(next []entry, dim int, ids []uint64) {
	idx.mu.Lock()
	idx.entries = next
	idx.dimension = dim
	idx.nextID += uint64(len(ids))
	if len(ids) > 0 {
		idx.generation++
	}
	idx.mu.Unlock()
}

// Search returns up to k entries ordered by descending cosine similarity.
// Equal scores keep insertion order.
func (idx *VectorIndex) Search(query []float32, k int) ([]domain.ScoredEntry, error) {
	idx.mu.RLock()
	entries := idx.entries
	dim := idx.dimension
	idx.mu.RUnlock()

	if len(entries) == 0 || k <= 0 {
		return []domain.ScoredEntry{}, nil
	}
	if len(query) != dim {
		return nil, domain.DimensionError(dim, len(query))
	}

	var qnorm float64
	for _, x := range query {
		qnorm += float64(x) * float64(x)
	}
	qnorm = math.Sqrt(qnorm)

	type scored struct {
		pos   int
		score float64
	}
	scores := make([]scored, len(entries))
	for i := range entries {
		scores[i] = scored{pos: i, score: cosine(query, qnorm, &entries[i])}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	if k > len(scores) {
		k = len(scores)
	}

	results := make([]domain.ScoredEntry, k)
	for i := 0; i < k; i++ {
		e := entries[scores[i].pos]
		results[i] = domain.ScoredEntry{
			Entry: domain.IndexEntry{
				ID:       e.id,
				Vector:   e.vector,
				Metadata: e.metadata.Clone(),
			},
			Score: scores[i].score,
		}
	}
	return results, nil
}

func cosine(q []float32, qnorm float64, e *entry) float64 {
	if qnorm == 0 || e.norm == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(e.vector[i])
	}
	return dot / (qnorm * e.norm)
}

// Save persists the current contents of the index.
func (idx *VectorIndex) Save(ctx context.Context, p port.IndexPersister) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	return p.Save(ctx, idx.Snapshot())
}

// Snapshot returns a consistent copy of the index contents.
func (idx *VectorIndex) Snapshot() domain.Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotOf(idx.entries, idx.dimension, idx.nextID)
}

func (idx *VectorIndex) snapshotOf(entries []entry, dim int, nextID uint64) domain.Snapshot {
	out := make([]domain.IndexEntry, len(entries))
	for i, e := range entries {
		out[i] = domain.IndexEntry{ID: e.id, Vector: e.vector, Metadata: e.metadata}
	}
	return domain.Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		InstanceID:    idx.instanceID,
		Dimension:     dim,
		NextID:        nextID,
		Model:         idx.model,
		Entries:       out,
	}
}

func (idx *VectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *VectorIndex) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimension
}

func (idx *VectorIndex) Model() string {
	return idx.model
}

// Generation changes whenever entries are published.
func (idx *VectorIndex) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.generation
}

func (idx *VectorIndex) Stats() domain.IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return domain.IndexStats{
		Entries:   len(idx.entries),
		Dimension: idx.dimension,
		Model:     idx.model,
	}
}
