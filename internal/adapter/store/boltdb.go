package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"ragkb/internal/domain"
)

var (
	bucketVectors  = []byte("vectors")
	bucketMetadata = []byte("metadata")
	bucketMeta     = []byte("meta")
	keySchema      = []byte("schema")
)

// BoltPersister keeps index snapshots in a single bbolt file. Vectors and
// metadata live in parallel buckets keyed by big-endian entry ID. Every
// save is one transaction, so a crash leaves the previous snapshot intact.
type BoltPersister struct {
	path    string
	timeout time.Duration

	mu sync.Mutex
	db *bbolt.DB
}

func NewBoltPersister(path string, lockTimeout time.Duration) *BoltPersister {
	return &BoltPersister{path: path, timeout: lockTimeout}
}

func (p *BoltPersister) Location() string {
	return p.path
}

// open lazily opens the database. Without create, a missing file is
// reported as domain.ErrNotFound instead of being created.
func (p *BoltPersister) open(create bool) (*bbolt.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return p.db, nil
	}

	if _, err := os.Stat(p.path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if !create {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, p.path)
		}
		if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := bbolt.Open(p.path, 0600, &bbolt.Options{Timeout: p.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	p.db = db
	return db, nil
}

func (p *BoltPersister) Load(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	db, err := p.open(false)
	if err != nil {
		return domain.Snapshot{}, err
	}

	var snap domain.Snapshot
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil || meta.Get(keySchema) == nil {
			return fmt.Errorf("%w: %s has no index", domain.ErrNotFound, p.path)
		}

		var info SchemaInfo
		if err := json.Unmarshal(meta.Get(keySchema), &info); err != nil {
			return fmt.Errorf("%w: bad schema record: %v", domain.ErrIndexCorruption, err)
		}

		vectors := tx.Bucket(bucketVectors)
		metadata := tx.Bucket(bucketMetadata)
		if vectors == nil || metadata == nil {
			return fmt.Errorf("%w: missing vectors or metadata bucket", domain.ErrIndexCorruption)
		}

		snap = domain.Snapshot{
			SchemaVersion: info.Version,
			InstanceID:    info.InstanceID,
			Dimension:     info.Dimension,
			NextID:        info.NextID,
			Model:         info.Model,
			Entries:       make([]domain.IndexEntry, 0, info.Count),
		}

		err := vectors.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: bad vector key %x", domain.ErrIndexCorruption, k)
			}
			vec, err := decodeVector(v)
			if err != nil {
				return err
			}
			raw := metadata.Get(k)
			if raw == nil {
				return fmt.Errorf("%w: no metadata for entry %d", domain.ErrIndexCorruption, binary.BigEndian.Uint64(k))
			}
			var md domain.Metadata
			if err := json.Unmarshal(raw, &md); err != nil {
				return fmt.Errorf("%w: bad metadata for entry %d: %v", domain.ErrIndexCorruption, binary.BigEndian.Uint64(k), err)
			}
			snap.Entries = append(snap.Entries, domain.IndexEntry{
				ID:       binary.BigEndian.Uint64(k),
				Vector:   vec,
				Metadata: md,
			})
			return nil
		})
		if err != nil {
			return err
		}

		metaCount := metadata.Stats().KeyN
		if metaCount != len(snap.Entries) || info.Count != len(snap.Entries) {
			return fmt.Errorf("%w: %d vectors, %d metadata records, schema says %d",
				domain.ErrIndexCorruption, len(snap.Entries), metaCount, info.Count)
		}
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (p *BoltPersister) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := p.open(true)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}

		start := persistedPrefix(tx, meta, snap)
		if start == 0 {
			for _, name := range [][]byte{bucketVectors, bucketMetadata} {
				if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
					return err
				}
			}
		}

		vectors, err := tx.CreateBucketIfNotExists(bucketVectors)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketVectors, err)
		}
		metadata, err := tx.CreateBucketIfNotExists(bucketMetadata)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMetadata, err)
		}

		for _, e := range snap.Entries[start:] {
			key := idKey(e.ID)
			if err := vectors.Put(key, encodeVector(e.Vector)); err != nil {
				return err
			}
			md, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for entry %d: %w", e.ID, err)
			}
			if err := metadata.Put(key, md); err != nil {
				return err
			}
		}

		info, err := json.Marshal(schemaInfoOf(snap))
		if err != nil {
			return err
		}
		return meta.Put(keySchema, info)
	})
}

// persistedPrefix returns how many leading entries of the snapshot are
// already stored. Entries of one index instance are append-only, so a
// matching instance, count and last key means only the tail needs writing.
// Anything else forces a rewrite.
func persistedPrefix(tx *bbolt.Tx, meta *bbolt.Bucket, snap domain.Snapshot) int {
	entries := snap.Entries
	raw := meta.Get(keySchema)
	vectors := tx.Bucket(bucketVectors)
	if raw == nil || vectors == nil {
		return 0
	}

	var info SchemaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0
	}
	if info.InstanceID == "" || info.InstanceID != snap.InstanceID {
		return 0
	}
	if info.Count == 0 || info.Count > len(entries) {
		return 0
	}

	last, _ := vectors.Cursor().Last()
	if last == nil || binary.BigEndian.Uint64(last) != entries[info.Count-1].ID {
		return 0
	}
	return info.Count
}

func (p *BoltPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: vector length %d is not a multiple of 4", domain.ErrIndexCorruption, len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
