package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
)

// stubEmbedder returns fixed vectors per text and counts calls.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	err     error
	calls   int
	batches [][]string
	// before runs ahead of every Embed call, outside the lock.
	before func(texts []string)
}

func newStubEmbedder(dim int) *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{}, dim: dim}
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.before != nil {
		s.before(texts)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.batches = append(s.batches, append([]string(nil), texts...))
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = make([]float32, s.dim)
			v[len(t)%s.dim] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int    { return s.dim }
func (s *stubEmbedder) ModelName() string { return "stub" }

func (s *stubEmbedder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func providerFailure() error {
	return &domain.ProviderError{Provider: "stub", StatusCode: 503, Message: "unavailable"}
}

func writeKB(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func labelOf(e domain.ScoredEntry) string {
	return fmt.Sprint(e.Entry.Metadata[domain.MetaText])
}
