package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeck/quantreg/internal/types"
)

// Batch groups artifact writes under one completion marker. Artifacts in an
// uncommitted batch are durable on disk but invisible to the catalog; the
// marker is written only after every file in the batch has been flushed.
type Batch struct {
	ID string

	mu        sync.Mutex
	artifacts []string
	committed bool
}

// BatchMarker is the completion marker persisted for a committed batch.
type BatchMarker struct {
	BatchID     string    `json:"batch_id"`
	ArtifactIDs []string  `json:"artifact_ids"`
	CommittedAt time.Time `json:"committed_at"`
}

// NewBatch opens a new uncommitted batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{ID: "b-" + uuid.NewString()}
}

func (b *Batch) add(artifactID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return types.Conflictf(b.ID, "batch already committed")
	}
	for _, id := range b.artifacts {
		if id == artifactID {
			return nil
		}
	}
	b.artifacts = append(b.artifacts, artifactID)
	return nil
}

// ArtifactIDs returns the IDs written under the batch so far.
func (b *Batch) ArtifactIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.artifacts))
	copy(out, b.artifacts)
	return out
}

// CommitBatch durably writes the batch's completion marker, making its
// artifacts eligible for catalog indexing. Committing twice is an error.
func (s *Store) CommitBatch(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return types.Conflictf(b.ID, "batch already committed")
	}
	ids := make([]string, len(b.artifacts))
	copy(ids, b.artifacts)
	sort.Strings(ids)
	marker := BatchMarker{
		BatchID:     b.ID,
		ArtifactIDs: ids,
		CommittedAt: time.Now().UTC(),
	}
	if err := saveJSON(s.batchPath(b.ID), marker); err != nil {
		return err
	}
	b.committed = true
	return nil
}

// LoadBatch returns the completion marker for a batch ID, or nil when the
// batch was never committed.
func (s *Store) LoadBatch(ctx context.Context, batchID string) (*BatchMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var marker BatchMarker
	ok, err := loadJSON(s.batchPath(batchID), &marker)
	if err != nil || !ok {
		return nil, err
	}
	return &marker, nil
}

// CommittedBatches returns the set of batch IDs whose completion markers are
// durable. Only artifacts belonging to these batches may be indexed.
func (s *Store) CommittedBatches(ctx context.Context) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root + "/" + batchesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		out[strings.TrimSuffix(name, ".json")] = true
	}
	return out, nil
}
