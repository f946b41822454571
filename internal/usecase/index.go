package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"ragkb/internal/adapter/store"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// ProgressFunc reports how many chunks have been embedded out of total.
type ProgressFunc func(done, total int)

// IndexUseCase turns a directory of documents into embedded chunks.
type IndexUseCase struct {
	walker    port.FileWalker
	reader    port.FileReader
	chunker   port.Chunker
	embedder  port.Embedder
	batchSize int
	log       zerolog.Logger
}

// NewIndexUseCase creates a new index use case.
func NewIndexUseCase(
	walker port.FileWalker,
	reader port.FileReader,
	chunker port.Chunker,
	embedder port.Embedder,
	batchSize int,
	log zerolog.Logger,
) *IndexUseCase {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &IndexUseCase{
		walker:    walker,
		reader:    reader,
		chunker:   chunker,
		embedder:  embedder,
		batchSize: batchSize,
		log:       log,
	}
}

// IndexResult contains the results of an indexing operation.
type IndexResult struct {
	FilesIndexed  int
	FilesEmpty    int
	ChunksCreated int
	Dimension     int
	Errors        []string
}

// SourceText is one document with its content, as produced by Collect.
type SourceText struct {
	Doc     domain.Document
	Content string
}

// Collect walks root and reads every matching file. Unreadable files are
// reported in the result and skipped.
func (u *IndexUseCase) Collect(root string, result *IndexResult) ([]SourceText, error) {
	files, err := u.walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sources := make([]SourceText, 0, len(files))
	for _, f := range files {
		content, err := u.reader.ReadFile(f.Path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %v", f.RelPath, err))
			continue
		}
		sources = append(sources, SourceText{
			Doc:     domain.Document{ID: f.RelPath, Path: f.Path},
			Content: content,
		})
	}
	return sources, nil
}

// Chunk splits every source into chunks, in source order.
func (u *IndexUseCase) Chunk(sources []SourceText, result *IndexResult) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	for _, s := range sources {
		docChunks, err := u.chunker.Chunk(s.Doc, s.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to chunk %s: %w", s.Doc.ID, err)
		}
		if len(docChunks) == 0 {
			result.FilesEmpty++
			continue
		}
		result.FilesIndexed++
		chunks = append(chunks, docChunks...)
	}
	result.ChunksCreated = len(chunks)
	return chunks, nil
}

// EmbedChunks embeds chunk texts in batches. The first provider failure
// aborts the whole run.
func (u *IndexUseCase) EmbedChunks(ctx context.Context, chunks []domain.Chunk, progress ProgressFunc) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for i := 0; i < len(chunks); i += u.batchSize {
		end := i + u.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j, c := range chunks[i:end] {
			texts[j] = c.Text
		}

		batch, err := u.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d failed: %w", i, end, err)
		}
		if len(batch) != len(texts) {
			return nil, &domain.ProviderError{
				Provider: u.embedder.ModelName(),
				Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(batch)),
			}
		}
		vectors = append(vectors, batch...)

		u.log.Debug().Int("done", end).Int("total", len(chunks)).Msg("embedded batch")
		if progress != nil {
			progress(end, len(chunks))
		}
	}
	return vectors, nil
}

// Build embeds every document under root into a fresh index and saves it
// through p. Nothing is saved unless every chunk was embedded, so a failed
// build leaves the previously persisted index untouched.
func (u *IndexUseCase) Build(ctx context.Context, root string, p port.IndexPersister, progress ProgressFunc) (*store.VectorIndex, *IndexResult, error) {
	result := &IndexResult{}

	sources, err := u.Collect(root, result)
	if err != nil {
		return nil, result, err
	}
	chunks, err := u.Chunk(sources, result)
	if err != nil {
		return nil, result, err
	}
	vectors, err := u.EmbedChunks(ctx, chunks, progress)
	if err != nil {
		return nil, result, err
	}

	idx := store.NewVectorIndex(u.embedder.Dimension(), u.embedder.ModelName())
	items := make([]domain.VectorItem, len(chunks))
	for i, c := range chunks {
		items[i] = domain.VectorItem{Vector: vectors[i], Metadata: chunkMetadata(c)}
	}
	if _, err := idx.Insert(items); err != nil {
		return nil, result, err
	}
	if err := idx.Save(ctx, p); err != nil {
		return nil, result, fmt.Errorf("failed to save index: %w", err)
	}

	result.Dimension = idx.Dimension()
	u.log.Info().
		Int("files", result.FilesIndexed).
		Int("chunks", result.ChunksCreated).
		Str("location", p.Location()).
		Msg("index built")
	return idx, result, nil
}

// Export embeds every document under root and writes the parallel
// kb_vectors.json and kb_meta.json arrays to outDir.
func (u *IndexUseCase) Export(ctx context.Context, root, outDir string, progress ProgressFunc) (*IndexResult, error) {
	result := &IndexResult{}

	sources, err := u.Collect(root, result)
	if err != nil {
		return result, err
	}
	chunks, err := u.Chunk(sources, result)
	if err != nil {
		return result, err
	}
	vectors, err := u.EmbedChunks(ctx, chunks, progress)
	if err != nil {
		return result, err
	}

	records := make([]store.ExportRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ExportRecord{File: c.SourceID, ChunkIndex: c.Sequence, Text: c.Text}
	}
	if err := store.ExportArrays(outDir, vectors, records); err != nil {
		return result, err
	}

	if len(vectors) > 0 {
		result.Dimension = len(vectors[0])
	}
	u.log.Info().
		Int("files", result.FilesIndexed).
		Int("chunks", result.ChunksCreated).
		Str("dir", outDir).
		Msg("embeddings exported")
	return result, nil
}

func chunkMetadata(c domain.Chunk) domain.Metadata {
	return domain.Metadata{
		domain.MetaSourceID:   c.SourceID,
		domain.MetaChunkIndex: c.Sequence,
		domain.MetaText:       c.Text,
	}
}
