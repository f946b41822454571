package port

import (
	"context"

	"ragkb/internal/domain"
)

// IndexPersister stores and restores vector index snapshots.
// Save must be atomic: a reader of the location sees either the previous
// snapshot or the new one, never a mix.
type IndexPersister interface {
	// Load returns domain.ErrNotFound when nothing has been saved yet.
	Load(ctx context.Context) (domain.Snapshot, error)

	Save(ctx context.Context, snap domain.Snapshot) error

	// Location describes where snapshots live, for logs and CLI output.
	Location() string

	Close() error
}
