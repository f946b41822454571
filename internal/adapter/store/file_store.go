package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ragkb/internal/domain"
)

const (
	currentFile  = "CURRENT"
	snapPrefix   = "snap-"
	vectorsFile  = "vectors.json"
	metadataFile = "metadata.json"
	manifestFile = "manifest.json"
)

// FilePersister writes each snapshot into its own directory and then
// swaps a CURRENT pointer file to name it. The pointer is replaced by
// rename, so readers see either the old snapshot or the new one.
type FilePersister struct {
	dir string
	mu  sync.Mutex
}

type vectorRecord struct {
	ID     uint64    `json:"id"`
	Vector []float32 `json:"vector"`
}

type metadataRecord struct {
	ID       uint64          `json:"id"`
	Metadata domain.Metadata `json:"metadata"`
}

func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{dir: dir}
}

func (p *FilePersister) Location() string {
	return p.dir
}

func (p *FilePersister) Load(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name, err := p.current()
	if err != nil {
		return domain.Snapshot{}, err
	}
	snapDir := filepath.Join(p.dir, name)

	var info SchemaInfo
	if err := readJSON(filepath.Join(snapDir, manifestFile), &info); err != nil {
		return domain.Snapshot{}, err
	}
	var vectors []vectorRecord
	if err := readJSON(filepath.Join(snapDir, vectorsFile), &vectors); err != nil {
		return domain.Snapshot{}, err
	}
	var metadata []metadataRecord
	if err := readJSON(filepath.Join(snapDir, metadataFile), &metadata); err != nil {
		return domain.Snapshot{}, err
	}

	if len(vectors) != len(metadata) || len(vectors) != info.Count {
		return domain.Snapshot{}, fmt.Errorf("%w: %d vectors, %d metadata records, manifest says %d",
			domain.ErrIndexCorruption, len(vectors), len(metadata), info.Count)
	}

	snap := domain.Snapshot{
		SchemaVersion: info.Version,
		InstanceID:    info.InstanceID,
		Dimension:     info.Dimension,
		NextID:        info.NextID,
		Model:         info.Model,
		Entries:       make([]domain.IndexEntry, len(vectors)),
	}
	for i := range vectors {
		if vectors[i].ID != metadata[i].ID {
			return domain.Snapshot{}, fmt.Errorf("%w: entry %d has vector id %d but metadata id %d",
				domain.ErrIndexCorruption, i, vectors[i].ID, metadata[i].ID)
		}
		snap.Entries[i] = domain.IndexEntry{
			ID:       vectors[i].ID,
			Vector:   vectors[i].Vector,
			Metadata: metadata[i].Metadata,
		}
	}

	if info.Checksum != "" && info.Checksum != ComputeChecksum(snap.Entries) {
		return domain.Snapshot{}, fmt.Errorf("%w: checksum mismatch in %s", domain.ErrIndexCorruption, name)
	}
	return snap, nil
}

func (p *FilePersister) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create vector directory: %w", err)
	}

	gen, err := p.nextGeneration()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s%06d", snapPrefix, gen)
	snapDir := filepath.Join(p.dir, name)
	if err := os.RemoveAll(snapDir); err != nil {
		return err
	}
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return err
	}

	vectors := make([]vectorRecord, len(snap.Entries))
	metadata := make([]metadataRecord, len(snap.Entries))
	for i, e := range snap.Entries {
		vectors[i] = vectorRecord{ID: e.ID, Vector: e.Vector}
		metadata[i] = metadataRecord{ID: e.ID, Metadata: e.Metadata}
	}
	info := schemaInfoOf(snap)
	info.Checksum = ComputeChecksum(snap.Entries)

	files := []struct {
		name string
		v    any
	}{
		{vectorsFile, vectors},
		{metadataFile, metadata},
		{manifestFile, info},
	}
	for _, f := range files {
		data, err := json.Marshal(f.v)
		if err != nil {
			os.RemoveAll(snapDir)
			return fmt.Errorf("failed to encode %s: %w", f.name, err)
		}
		if err := writeFileSync(filepath.Join(snapDir, f.name), data); err != nil {
			os.RemoveAll(snapDir)
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	if err := syncDir(snapDir); err != nil {
		return err
	}

	if err := WriteFileAtomic(filepath.Join(p.dir, currentFile), []byte(name+"\n"), 0644); err != nil {
		os.RemoveAll(snapDir)
		return err
	}

	p.prune(name)
	return nil
}

func (p *FilePersister) Close() error {
	return nil
}

func (p *FilePersister) current() (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", domain.ErrNotFound, p.dir)
		}
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, snapPrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: bad CURRENT pointer %q", domain.ErrIndexCorruption, name)
	}
	return name, nil
}

func (p *FilePersister) nextGeneration() (int, error) {
	names, err := p.snapshots()
	if err != nil {
		return 0, err
	}
	gen := 0
	for _, n := range names {
		if g, err := strconv.Atoi(strings.TrimPrefix(n, snapPrefix)); err == nil && g > gen {
			gen = g
		}
	}
	return gen + 1, nil
}

func (p *FilePersister) snapshots() ([]string, error) {
	dirents, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() && strings.HasPrefix(d.Name(), snapPrefix) {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune removes every snapshot directory except keep. Failures are left
// for the next save to retry.
func (p *FilePersister) prune(keep string) {
	names, err := p.snapshots()
	if err != nil {
		return
	}
	for _, n := range names {
		if n != keep {
			os.RemoveAll(filepath.Join(p.dir, n))
		}
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s is missing", domain.ErrIndexCorruption, filepath.Base(path))
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrIndexCorruption, filepath.Base(path), err)
	}
	return nil
}
