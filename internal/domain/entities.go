package domain

import "fmt"

import "time"

// Reserved metadata keys written by the indexing pipeline and the ingest path.
const (
	MetaSourceID   = "source_id"
	MetaChunkIndex = "chunk_index"
	MetaText       = "text"
)

type Document struct {
	ID      string
	Path    string
	ModTime time.Time
}

// Chunk is a contiguous span of a document's text sized for embedding.
type Chunk struct {
	SourceID string
	Sequence int
	Text     string
}

// Metadata is the JSON-compatible record stored alongside each vector.
type Metadata map[string]any

// Clone returns a shallow copy so callers can't mutate stored metadata.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Text returns the stored chunk text, if any.
func (m Metadata) Text() string {
	s, _ := m[MetaText].(string)
	return s
}

// SourceID returns the stored source identifier, if any. Non-string
// identifiers are formatted with fmt.
func (m Metadata) SourceID() string {
	switch v := m[MetaSourceID].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type VectorItem struct {
	Vector   []float32
	Metadata Metadata
}

type IndexEntry struct {
	ID       uint64
	Vector   []float32
	Metadata Metadata
}

type ScoredEntry struct {
	Entry IndexEntry
	Score float64
}

// Snapshot is the unit exchanged between an index and its persister.
// Entries are ordered by ID, which is also insertion order.
type Snapshot struct {
	SchemaVersion int
	InstanceID    string
	Dimension     int
	NextID        uint64
	Model         string
	Entries       []IndexEntry
}

type IndexStats struct {
	Entries   int    `json:"entries"`
	Dimension int    `json:"dimension"`
	Model     string `json:"model"`
}
