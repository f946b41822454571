package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"ragkb/internal/domain"
)

// CurrentSchemaVersion is the current snapshot schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

// SchemaInfo is stored next to every snapshot.
type SchemaInfo struct {
	Version    int    `json:"version"`
	InstanceID string `json:"instance_id"`
	Dimension  int    `json:"dimension"`
	NextID     uint64 `json:"next_id"`
	Model      string `json:"model"`
	Count      int    `json:"count"`
	Checksum   string `json:"checksum,omitempty"`
}

func schemaInfoOf(snap domain.Snapshot) SchemaInfo {
	return SchemaInfo{
		Version:    CurrentSchemaVersion,
		InstanceID: snap.InstanceID,
		Dimension:  snap.Dimension,
		NextID:     snap.NextID,
		Model:      snap.Model,
		Count:      len(snap.Entries),
	}
}

// checkSchemaVersion rejects snapshots written by a newer release.
// Version 0 means the snapshot predates versioning and is read as v1.
func checkSchemaVersion(v int) error {
	if v > CurrentSchemaVersion {
		return fmt.Errorf("%w: snapshot created by newer version (v%d > v%d)", domain.ErrIndexCorruption, v, CurrentSchemaVersion)
	}
	return nil
}

// ComputeChecksum hashes the ID sequence of a snapshot so a vectors file
// can be matched with the metadata file written alongside it.
func ComputeChecksum(entries []domain.IndexEntry) string {
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	data, _ := json.Marshal(ids)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// CheckCompatibility reports whether an index built with indexModel can be
// queried with vectors from embedderModel.
func CheckCompatibility(idx *VectorIndex, embedderModel string, embedderDim int) error {
	if idx.Len() == 0 {
		return nil
	}
	if idx.Model() != "" && embedderModel != "" && idx.Model() != embedderModel {
		return fmt.Errorf("%w: index built with %q, embedder is %q", domain.ErrIncompatibleIndex, idx.Model(), embedderModel)
	}
	if embedderDim > 0 && idx.Dimension() != embedderDim {
		return fmt.Errorf("%w: index dimension %d, embedder dimension %d", domain.ErrIncompatibleIndex, idx.Dimension(), embedderDim)
	}
	return nil
}
