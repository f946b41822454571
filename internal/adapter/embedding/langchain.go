package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"ragkb/internal/domain"
)

// LangChainEmbedder delegates to a langchaingo embeddings client.
type LangChainEmbedder struct {
	embedder  embeddings.Embedder
	model     string
	dimension int
}

func NewLangChainEmbedder(opts OpenAIOptions) (*LangChainEmbedder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is not set")
	}

	clientOpts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(opts.APIKey, "Bearer ")),
		openai.WithEmbeddingModel(opts.Model),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, openai.WithHTTPClient(opts.HTTPClient))
	}

	llm, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain client: %w", err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(batchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain embedder: %w", err)
	}

	return newLangChainEmbedder(embedder, opts.Model, opts.Dimension), nil
}

func newLangChainEmbedder(e embeddings.Embedder, model string, dimension int) *LangChainEmbedder {
	if dimension <= 0 {
		dimension = ModelDimension(model)
	}
	return &LangChainEmbedder{embedder: e, model: model, dimension: dimension}
}

func (e *LangChainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &domain.ProviderError{Provider: "langchain", Message: "embed documents", Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &domain.ProviderError{
			Provider: "langchain",
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(vectors)),
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &domain.ProviderError{
				Provider: "langchain",
				Message:  fmt.Sprintf("missing embedding for input %d", i),
			}
		}
	}
	return vectors, nil
}

func (e *LangChainEmbedder) Dimension() int {
	return e.dimension
}

func (e *LangChainEmbedder) ModelName() string {
	return e.model
}
