package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"ragkb/internal/adapter/cache"
	"ragkb/internal/adapter/store"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// DefaultSourceID tags texts ingested through the API without a source.
const DefaultSourceID = "api"

// QueryUseCase answers similarity queries and ingests single texts
// against one shared index.
type QueryUseCase struct {
	index     *store.VectorIndex
	persister port.IndexPersister
	embedder  port.Embedder
	cache     *cache.QueryCache
	defaultK  int
	maxK      int
	log       zerolog.Logger
}

type QueryOptions struct {
	DefaultK int
	MaxK     int
	Cache    *cache.QueryCache // nil disables caching
}

func NewQueryUseCase(index *store.VectorIndex, persister port.IndexPersister, embedder port.Embedder, opts QueryOptions, log zerolog.Logger) *QueryUseCase {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = opts.DefaultK
	}
	return &QueryUseCase{
		index:     index,
		persister: persister,
		embedder:  embedder,
		cache:     opts.Cache,
		defaultK:  opts.DefaultK,
		maxK:      opts.MaxK,
		log:       log,
	}
}

// Answer embeds queryText and returns the k most similar entries. k <= 0
// selects the default.
func (u *QueryUseCase) Answer(ctx context.Context, queryText string, k int) ([]domain.ScoredEntry, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, domain.ErrEmptyQuery
	}
	if k <= 0 {
		k = u.defaultK
	}
	if k > u.maxK {
		k = u.maxK
	}

	// Read before searching so cached results are never tagged with a
	// generation newer than the index they were computed from.
	gen := u.index.Generation()
	if u.cache != nil {
		if results, ok := u.cache.Get(queryText, k, gen); ok {
			return results, nil
		}
	}

	vectors, err := u.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, &domain.ProviderError{
			Provider: u.embedder.ModelName(),
			Message:  fmt.Sprintf("expected 1 embedding, got %d", len(vectors)),
		}
	}

	results, err := u.index.Search(vectors[0], k)
	if err != nil {
		return nil, err
	}

	if u.cache != nil {
		u.cache.Put(queryText, k, results, gen)
	}
	return results, nil
}

// IngestOne embeds text as a single entry, inserts it and persists the
// index before returning. Caller metadata is kept; the text itself and a
// source id are always stored.
func (u *QueryUseCase) IngestOne(ctx context.Context, text string, metadata domain.Metadata) (uint64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, domain.ErrMissingText
	}

	// Embed before taking any index lock; slow providers must not block readers.
	vectors, err := u.embedder.Embed(ctx, []string{text})
	if err != nil {
		return 0, err
	}
	if len(vectors) != 1 {
		return 0, &domain.ProviderError{
			Provider: u.embedder.ModelName(),
			Message:  fmt.Sprintf("expected 1 embedding, got %d", len(vectors)),
		}
	}

	md := metadata.Clone()
	md[domain.MetaText] = text
	if md[domain.MetaSourceID] == nil {
		md[domain.MetaSourceID] = DefaultSourceID
	}

	ids, err := u.index.InsertAndSave(ctx, u.persister, []domain.VectorItem{{Vector: vectors[0], Metadata: md}})
	if err != nil {
		return 0, err
	}
	if u.cache != nil {
		u.cache.Invalidate(u.index.Generation())
	}

	u.log.Debug().Uint64("id", ids[0]).Str("source_id", md.SourceID()).Msg("ingested text")
	return ids[0], nil
}

func (u *QueryUseCase) Stats() domain.IndexStats {
	return u.index.Stats()
}

// OpenIndex loads the persisted index, or creates and persists an empty
// one sized for embedder when none exists. An empty index pinned to
// another model or dimension is recreated for embedder; a non-empty one
// is refused.
func OpenIndex(ctx context.Context, p port.IndexPersister, embedder port.Embedder, log zerolog.Logger) (*store.VectorIndex, error) {
	idx, err := store.Load(ctx, p)
	switch {
	case err == nil:
		if idx.Len() == 0 && !matchesEmbedder(idx, embedder) {
			log.Warn().
				Str("model", idx.Model()).
				Int("dimension", idx.Dimension()).
				Str("embedder", embedder.ModelName()).
				Msg("recreating empty index for new embedder")
			return createIndex(ctx, p, embedder, log)
		}
		if err := store.CheckCompatibility(idx, embedder.ModelName(), embedder.Dimension()); err != nil {
			return nil, err
		}
		log.Info().Int("entries", idx.Len()).Int("dimension", idx.Dimension()).Str("location", p.Location()).Msg("index loaded")
		return idx, nil
	case errors.Is(err, domain.ErrNotFound):
		return createIndex(ctx, p, embedder, log)
	default:
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
}

func createIndex(ctx context.Context, p port.IndexPersister, embedder port.Embedder, log zerolog.Logger) (*store.VectorIndex, error) {
	idx := store.NewVectorIndex(embedder.Dimension(), embedder.ModelName())
	if err := idx.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	log.Info().Int("dimension", idx.Dimension()).Str("location", p.Location()).Msg("created empty index")
	return idx, nil
}

func matchesEmbedder(idx *store.VectorIndex, embedder port.Embedder) bool {
	if embedder.Dimension() > 0 && idx.Dimension() != embedder.Dimension() {
		return false
	}
	return idx.Model() == embedder.ModelName()
}
