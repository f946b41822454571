package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ragkb/internal/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	baseURL   string
	dimension int
	batchSize int
	client    *http.Client
	limiter   *rate.Limiter
}

type OpenAIOptions struct {
	APIKey            string
	Model             string
	BaseURL           string
	Dimension         int // 0 = infer from the model name
	BatchSize         int
	Timeout           time.Duration
	RequestsPerMinute int
	HTTPClient        *http.Client
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage embeddingUsage  `json:"usage"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is not set")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("embedding model is not set")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	dimension := opts.Dimension
	if dimension <= 0 {
		dimension = ModelDimension(opts.Model)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	e := &OpenAIEmbedder{
		apiKey:    opts.APIKey,
		model:     opts.Model,
		baseURL:   baseURL,
		dimension: dimension,
		batchSize: batchSize,
		client:    client,
	}
	if opts.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}
	return e, nil
}

// ModelDimension returns the output dimension of well-known embedding
// models, or 0 when unknown (the index then pins it on first insert).
func ModelDimension(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large", "jina-embeddings-v3":
		return 1024
	case "all-minilm":
		return 384
	}
	return 0
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, vectors...)
	}

	return all, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, e.fail(0, "rate limiter", err)
		}
	}

	jsonData, err := json.Marshal(embeddingRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, e.fail(0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.fail(resp.StatusCode, "failed to read response", err)
	}

	var embResp embeddingResponse
	parseErr := json.Unmarshal(body, &embResp)

	if resp.StatusCode != http.StatusOK {
		msg := preview(body)
		if parseErr == nil && embResp.Error != nil {
			msg = embResp.Error.Message
		}
		return nil, e.fail(resp.StatusCode, msg, nil)
	}
	if parseErr != nil {
		return nil, e.fail(resp.StatusCode, "failed to parse response (body: "+preview(body)+")", parseErr)
	}
	if embResp.Error != nil {
		return nil, e.fail(resp.StatusCode, embResp.Error.Message, nil)
	}
	if len(embResp.Data) != len(texts) {
		return nil, e.fail(resp.StatusCode, fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(embResp.Data)), nil)
	}

	vectors := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, e.fail(resp.StatusCode, fmt.Sprintf("embedding index %d out of range", data.Index), nil)
		}
		vectors[data.Index] = data.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, e.fail(resp.StatusCode, fmt.Sprintf("missing embedding for input %d", i), nil)
		}
	}

	return vectors, nil
}

func (e *OpenAIEmbedder) fail(status int, msg string, err error) error {
	return &domain.ProviderError{
		Provider:   "openai",
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}
