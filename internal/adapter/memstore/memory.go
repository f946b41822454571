package memstore

import (
	"context"
	"fmt"
	"sync"

	"ragkb/internal/domain"
)

// MemoryPersister keeps the last saved snapshot in process memory.
type MemoryPersister struct {
	mu    sync.RWMutex
	name  string
	snap  *domain.Snapshot
	saves int
	fail  error
}

func NewMemoryPersister(name string) *MemoryPersister {
	return &MemoryPersister{name: name}
}

func (p *MemoryPersister) Location() string {
	return "memory:" + p.name
}

func (p *MemoryPersister) Load(ctx context.Context) (domain.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrNotFound, p.Location())
	}
	return copySnapshot(*p.snap), nil
}

func (p *MemoryPersister) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	s := copySnapshot(snap)
	p.snap = &s
	p.saves++
	return nil
}

// FailWith makes every following Save return err. Pass nil to recover.
func (p *MemoryPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Saves returns the number of successful saves.
func (p *MemoryPersister) Saves() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves
}

func (p *MemoryPersister) Close() error {
	return nil
}

func copySnapshot(s domain.Snapshot) domain.Snapshot {
	out := s
	out.Entries = make([]domain.IndexEntry, len(s.Entries))
	for i, e := range s.Entries {
		out.Entries[i] = domain.IndexEntry{
			ID:       e.ID,
			Vector:   append([]float32(nil), e.Vector...),
			Metadata: e.Metadata.Clone(),
		}
	}
	return out
}
