package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ragkb/config"
	"ragkb/internal/adapter/memstore"
	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// Offline export file names, kept compatible with existing consumers.
const (
	KBVectorsFile = "kb_vectors.json"
	KBMetaFile    = "kb_meta.json"
)

// ExportRecord is one entry of kb_meta.json.
type ExportRecord struct {
	File       string `json:"file"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// ExportArrays writes the parallel vector and metadata arrays produced by
// an offline embedding run. Each file is replaced atomically.
func ExportArrays(dir string, vectors [][]float32, records []ExportRecord) error {
	if len(vectors) != len(records) {
		return fmt.Errorf("%w: %d vectors for %d records", domain.ErrInvalidInput, len(vectors), len(records))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if vectors == nil {
		vectors = [][]float32{}
	}
	if records == nil {
		records = []ExportRecord{}
	}

	if err := WriteJSONAtomic(filepath.Join(dir, KBVectorsFile), vectors); err != nil {
		return err
	}
	return WriteJSONAtomic(filepath.Join(dir, KBMetaFile), records)
}

// OpenPersister returns the persister for the configured backend.
func OpenPersister(backend, vectorDir string, lockTimeout time.Duration) (port.IndexPersister, error) {
	switch backend {
	case "bolt", "":
		return NewBoltPersister(config.IndexDBPath(vectorDir), lockTimeout), nil
	case "json":
		return NewFilePersister(vectorDir), nil
	case "memory":
		return memstore.NewMemoryPersister(vectorDir), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
