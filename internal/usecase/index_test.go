package usecase

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/adapter/chunker"
	"ragkb/internal/adapter/embedding"
	"ragkb/internal/adapter/fs"
	"ragkb/internal/adapter/memstore"
	"ragkb/internal/adapter/store"
	"ragkb/internal/domain"
	"ragkb/internal/logging"
	"ragkb/internal/port"
)

func newIndexUC(e port.Embedder, maxTokens, batch int) *IndexUseCase {
	return NewIndexUseCase(
		fs.NewWalker([]string{"**/*.txt", "**/*.md"}, nil),
		fs.FileReader{},
		chunker.NewSentenceChunker(maxTokens, 1),
		e,
		batch,
		logging.Nop(),
	)
}

func TestBuildIndexesEveryChunk(t *testing.T) {
	ctx := context.Background()
	root := writeKB(t, map[string]string{
		"animals.txt":    "Cats purr loudly. Dogs bark at night.",
		"notes/space.md": "Rockets launch into orbit.",
		"empty.txt":      "   ",
		"ignored.png":    "not text",
	})

	e := embedding.NewMockEmbedder(64)
	uc := newIndexUC(e, 20, 2)
	p := memstore.NewMemoryPersister("test")

	var lastDone, lastTotal int
	idx, result, err := uc.Build(ctx, root, p, func(done, total int) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.FilesIndexed)
	assert.Equal(t, 1, result.FilesEmpty)
	assert.Equal(t, 3, result.ChunksCreated)
	assert.Equal(t, 64, result.Dimension)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 3, lastDone)
	assert.Equal(t, 3, lastTotal)
	assert.Equal(t, 1, p.Saves())

	vec, err := e.Embed(ctx, []string{"Rockets launch into orbit."})
	require.NoError(t, err)
	results, err := idx.Search(vec[0], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "notes/space.md", results[0].Entry.Metadata.SourceID())
	assert.Equal(t, 0, results[0].Entry.Metadata[domain.MetaChunkIndex])
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	loaded, err := store.Load(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())
}

func TestBuildBatchesEmbeddingCalls(t *testing.T) {
	root := writeKB(t, map[string]string{
		"a.txt": "One. Two. Three. Four. Five.",
	})

	e := newStubEmbedder(4)
	uc := newIndexUC(e, 1, 2)
	_, result, err := uc.Build(context.Background(), root, memstore.NewMemoryPersister("test"), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, result.ChunksCreated)
	require.Len(t, e.batches, 3)
	assert.Equal(t, []string{"One.", "Two."}, e.batches[0])
	assert.Equal(t, []string{"Five."}, e.batches[2])
}

func TestBuildProviderFailureKeepsPreviousIndex(t *testing.T) {
	ctx := context.Background()
	root := writeKB(t, map[string]string{"a.txt": "Alpha. Beta."})
	p := memstore.NewMemoryPersister("test")

	e := newStubEmbedder(4)
	uc := newIndexUC(e, 1, 10)
	_, _, err := uc.Build(ctx, root, p, nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.Saves())

	e.err = providerFailure()
	_, _, err = uc.Build(ctx, root, p, nil)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 1, p.Saves())

	loaded, err := store.Load(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
}

func TestBuildEmptyCorpus(t *testing.T) {
	root := writeKB(t, map[string]string{})

	e := newStubEmbedder(4)
	idx, result, err := newIndexUC(e, 10, 10).Build(context.Background(), root, memstore.NewMemoryPersister("test"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 0, result.ChunksCreated)
	assert.Equal(t, 0, e.Calls())
}

func TestBuildMissingRoot(t *testing.T) {
	_, _, err := newIndexUC(newStubEmbedder(4), 10, 10).Build(context.Background(), filepath.Join(t.TempDir(), "nope"), memstore.NewMemoryPersister("test"), nil)
	assert.Error(t, err)
}

func TestExportWritesParallelArrays(t *testing.T) {
	root := writeKB(t, map[string]string{
		"a.txt": "First sentence. Second sentence.",
		"b.txt": "Third.",
	})
	out := filepath.Join(t.TempDir(), "vectors")

	result, err := newIndexUC(newStubEmbedder(3), 4, 10).Export(context.Background(), root, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ChunksCreated)
	assert.Equal(t, 3, result.Dimension)

	var vectors [][]float32
	data, err := os.ReadFile(filepath.Join(out, store.KBVectorsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &vectors))

	var records []store.ExportRecord
	data, err = os.ReadFile(filepath.Join(out, store.KBMetaFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &records))

	require.Len(t, vectors, 3)
	require.Len(t, records, 3)
	assert.Equal(t, store.ExportRecord{File: "a.txt", ChunkIndex: 0, Text: "First sentence."}, records[0])
	assert.Equal(t, store.ExportRecord{File: "a.txt", ChunkIndex: 1, Text: "Second sentence."}, records[1])
	assert.Equal(t, store.ExportRecord{File: "b.txt", ChunkIndex: 0, Text: "Third."}, records[2])
}

func TestExportProviderFailureWritesNothing(t *testing.T) {
	root := writeKB(t, map[string]string{"a.txt": "Alpha."})
	out := filepath.Join(t.TempDir(), "vectors")

	e := newStubEmbedder(3)
	e.err = providerFailure()
	_, err := newIndexUC(e, 10, 10).Export(context.Background(), root, out, nil)
	assert.ErrorIs(t, err, domain.ErrProvider)

	_, statErr := os.Stat(filepath.Join(out, store.KBVectorsFile))
	assert.True(t, os.IsNotExist(statErr))
}
