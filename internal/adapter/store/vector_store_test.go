package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/adapter/memstore"
	"ragkb/internal/domain"
)

func item(v []float32, label string) domain.VectorItem {
	return domain.VectorItem{Vector: v, Metadata: domain.Metadata{"label": label}}
}

func labels(results []domain.ScoredEntry) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i], _ = r.Entry.Metadata["label"].(string)
	}
	return out
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := NewVectorIndex(3, "m")

	results, err := idx.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)

	// Even a query of the wrong dimension is not an error on an empty index.
	results, err = idx.Search([]float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchOrthogonal(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	_, err := idx.Insert([]domain.VectorItem{
		item([]float32{1, 0}, "A"),
		item([]float32{0, 1}, "B"),
	})
	require.NoError(t, err)

	results, err := idx.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", labels(results)[0])
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)

	results, err = idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, labels(results))
	assert.InDelta(t, 0.0, results[1].Score, 1e-9)
}

func TestSearchResultCount(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	_, err := idx.Insert([]domain.VectorItem{
		item([]float32{1, 0}, "A"),
		item([]float32{1, 1}, "B"),
		item([]float32{0, 1}, "C"),
	})
	require.NoError(t, err)

	for _, tc := range []struct{ k, want int }{{0, 0}, {-1, 0}, {1, 1}, {3, 3}, {10, 3}} {
		results, err := idx.Search([]float32{1, 0}, tc.k)
		require.NoError(t, err)
		assert.Len(t, results, tc.want, "k=%d", tc.k)
	}
}

func TestSearchOrderAndTies(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	_, err := idx.Insert([]domain.VectorItem{
		item([]float32{0, 1}, "far"),
		item([]float32{2, 0}, "tie1"),
		item([]float32{1, 1}, "mid"),
		item([]float32{5, 0}, "tie2"),
		item([]float32{1, 0}, "tie3"),
	})
	require.NoError(t, err)

	results, err := idx.Search([]float32{3, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"tie1", "tie2", "tie3", "mid", "far"}, labels(results))

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	ids, err := idx.Insert([]domain.VectorItem{item([]float32{1, 0}, "A"), item([]float32{0, 1}, "B")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)

	ids, err = idx.Insert([]domain.VectorItem{item([]float32{1, 1}, "C")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, ids)
	assert.Equal(t, 3, idx.Len())
}

func TestInsertDimensionMismatch(t *testing.T) {
	idx := NewVectorIndex(3, "m")
	_, err := idx.Insert([]domain.VectorItem{item([]float32{1, 0, 0}, "A")})
	require.NoError(t, err)

	_, err = idx.Insert([]domain.VectorItem{
		item([]float32{0, 1, 0}, "ok"),
		item([]float32{1, 2}, "bad"),
	})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len())

	_, err = idx.Search([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestInsertPinsDimension(t *testing.T) {
	idx := NewVectorIndex(0, "m")
	_, err := idx.Insert([]domain.VectorItem{item([]float32{1, 0, 0, 0}, "A")})
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Dimension())

	_, err = idx.Insert([]domain.VectorItem{item([]float32{1, 0}, "B")})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestInsertAndSavePersists(t *testing.T) {
	ctx := context.Background()
	p := memstore.NewMemoryPersister("test")
	idx := NewVectorIndex(2, "m")

	ids, err := idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{1, 0}, "A")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
	assert.Equal(t, 1, p.Saves())

	loaded, err := Load(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())

	ids, err = loaded.Insert([]domain.VectorItem{item([]float32{0, 1}, "B")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids, "ids continue after reload")
}

func TestInsertAndSaveFailureLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	p := memstore.NewMemoryPersister("test")
	idx := NewVectorIndex(2, "m")
	_, err := idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{1, 0}, "A")})
	require.NoError(t, err)
	gen := idx.Generation()

	p.FailWith(errors.New("disk full"))
	_, err = idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{0, 1}, "B")})
	require.Error(t, err)

	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, gen, idx.Generation())
	results, err := idx.Search([]float32{0, 1}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, labels(results))

	p.FailWith(nil)
	ids, err := idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{0, 1}, "C")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids)
	results, err = idx.Search([]float32{0, 1}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, labels(results))
}

func TestInsertAndSaveDimensionMismatchSkipsSave(t *testing.T) {
	ctx := context.Background()
	p := memstore.NewMemoryPersister("test")
	idx := NewVectorIndex(2, "m")

	_, err := idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{1, 0, 0}, "A")})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, 0, p.Saves())
	assert.Equal(t, 0, idx.Len())
}

func TestMetadataIsolation(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	md := domain.Metadata{"label": "A"}
	_, err := idx.Insert([]domain.VectorItem{{Vector: []float32{1, 0}, Metadata: md}})
	require.NoError(t, err)
	md["label"] = "mutated"

	results, err := idx.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", results[0].Entry.Metadata["label"])

	results[0].Entry.Metadata["label"] = "mutated"
	results, err = idx.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", results[0].Entry.Metadata["label"])
}

func TestZeroVectorScoresZero(t *testing.T) {
	idx := NewVectorIndex(2, "m")
	_, err := idx.Insert([]domain.VectorItem{item([]float32{0, 0}, "zero"), item([]float32{1, 0}, "A")})
	require.NoError(t, err)

	results, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "zero"}, labels(results))
	assert.Equal(t, 0.0, results[1].Score)
}

func TestFromSnapshotRejectsInconsistentData(t *testing.T) {
	_, err := FromSnapshot(domain.Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Dimension:     2,
		Entries: []domain.IndexEntry{
			{ID: 2, Vector: []float32{1, 0}},
			{ID: 1, Vector: []float32{0, 1}},
		},
	})
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)

	_, err = FromSnapshot(domain.Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Dimension:     2,
		Entries:       []domain.IndexEntry{{ID: 1, Vector: []float32{1, 0, 0}}},
	})
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)

	_, err = FromSnapshot(domain.Snapshot{SchemaVersion: CurrentSchemaVersion + 1})
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)
}

func TestConcurrentSearchDuringInserts(t *testing.T) {
	ctx := context.Background()
	p := memstore.NewMemoryPersister("test")
	idx := NewVectorIndex(2, "m")

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				results, err := idx.Search([]float32{1, 1}, 10)
				if err != nil {
					t.Errorf("search failed: %v", err)
					return
				}
				for _, r := range results {
					if len(r.Entry.Vector) != 2 {
						t.Errorf("partial entry observed: %+v", r.Entry)
						return
					}
				}
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := idx.InsertAndSave(ctx, p, []domain.VectorItem{item([]float32{1, float32(i)}, "x")}); err != nil {
					t.Errorf("insert failed: %v", err)
					return
				}
			}
		}()
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, writers*perWriter, idx.Len())

	snap, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, writers*perWriter)
	for i, e := range snap.Entries {
		assert.Equal(t, uint64(i+1), e.ID)
	}
}

func TestCheckCompatibility(t *testing.T) {
	idx := NewVectorIndex(2, "model-a")
	assert.NoError(t, CheckCompatibility(idx, "model-b", 3), "empty index is always compatible")

	_, err := idx.Insert([]domain.VectorItem{item([]float32{1, 0}, "A")})
	require.NoError(t, err)

	assert.NoError(t, CheckCompatibility(idx, "model-a", 2))
	assert.ErrorIs(t, CheckCompatibility(idx, "model-b", 2), domain.ErrIncompatibleIndex)
	assert.ErrorIs(t, CheckCompatibility(idx, "model-a", 3), domain.ErrIncompatibleIndex)
}
