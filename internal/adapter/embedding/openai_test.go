package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
)

// fakeAPI answers /embeddings with one vector per input, [len(input), index],
// returned in reverse order to exercise reordering.
func fakeAPI(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, embeddingData{
				Embedding: []float32{float32(len(req.Input[i])), float32(i)},
				Index:     i,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestEmbedder(t *testing.T, url string, batch int) *OpenAIEmbedder {
	t.Helper()
	e, err := NewOpenAIEmbedder(OpenAIOptions{
		APIKey:    "sk-test",
		Model:     "test-model",
		BaseURL:   url,
		Dimension: 2,
		BatchSize: batch,
	})
	require.NoError(t, err)
	return e
}

func TestOpenAIEmbedPreservesOrder(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, &calls)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10)
	vectors, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{2, 1}, vectors[1])
	assert.Equal(t, []float32{3, 2}, vectors[2])
	assert.Equal(t, int32(1), calls)
}

func TestOpenAIEmbedBatches(t *testing.T) {
	var calls int32
	srv := fakeAPI(t, &calls)
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 2)
	vectors, err := e.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Equal(t, int32(3), calls)

	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
}

func TestOpenAIEmbedEmptyInput(t *testing.T) {
	e := newTestEmbedder(t, "http://127.0.0.1:1", 10)
	vectors, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestOpenAIEmbedHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10)
	_, err := e.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProvider))

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Equal(t, "bad key", perr.Message)
}

func TestOpenAIEmbedMissingVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[],"index":0}]}`))
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10)
	_, err := e.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestOpenAIEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,2],"index":0}]}`))
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10)
	_, err := e.Embed(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestOpenAIEmbedMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10)
	_, err := e.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestOpenAIEmbedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := newTestEmbedder(t, url, 10)
	_, err := e.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestNewOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIOptions{Model: "text-embedding-3-small"})
	assert.Error(t, err)
}

func TestNewOpenAIEmbedderInfersDimension(t *testing.T) {
	e, err := NewOpenAIEmbedder(OpenAIOptions{APIKey: "k", Model: "text-embedding-3-large"})
	require.NoError(t, err)
	assert.Equal(t, 3072, e.Dimension())
	assert.Equal(t, "text-embedding-3-large", e.ModelName())
}

func TestMockEmbedderDeterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	a, err := e.Embed(context.Background(), []string{"hello world", "hello world", ""})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1])
	assert.Len(t, a[2], 16)
	assert.Equal(t, 16, e.Dimension())
}

type fakeLangChain struct {
	vectors [][]float32
	err     error
}

func (f *fakeLangChain) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return f.vectors, f.err
}

func (f *fakeLangChain) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[0], nil
}

func TestLangChainEmbedder(t *testing.T) {
	e := newLangChainEmbedder(&fakeLangChain{vectors: [][]float32{{1, 0}, {0, 1}}}, "text-embedding-3-small", 0)
	assert.Equal(t, 1536, e.Dimension())

	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)

	_, err = e.Embed(context.Background(), []string{"a", "b", "c"})
	assert.ErrorIs(t, err, domain.ErrProvider)

	failing := newLangChainEmbedder(&fakeLangChain{err: errors.New("boom")}, "m", 2)
	_, err = failing.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}
