package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeck/quantreg/internal/types"
)

func TestBatchCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	batch := s.NewBatch()
	a1, err := s.Write(ctx, WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []Row{{"n": 1.0}},
		Batch:         batch,
	})
	require.NoError(t, err)
	a2, err := s.Write(ctx, WriteRequest{
		Type:          types.ArtifactOHLCVSlice,
		LogicalKey:    "day=2025-10-01/interval=1m",
		SchemaVersion: 1,
		Rows:          []Row{{"n": 2.0}},
		Batch:         batch,
	})
	require.NoError(t, err)

	// No marker yet: the batch is invisible.
	marker, err := s.LoadBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Nil(t, marker)

	require.NoError(t, s.CommitBatch(ctx, batch))

	marker, err = s.LoadBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, marker.ArtifactIDs)

	committed, err := s.CommittedBatches(ctx)
	require.NoError(t, err)
	assert.True(t, committed[batch.ID])
}

func TestBatchDoubleCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	batch := s.NewBatch()
	_, err := s.Write(ctx, WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []Row{{"n": 1.0}},
		Batch:         batch,
	})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(ctx, batch))

	err = s.CommitBatch(ctx, batch)
	assert.True(t, types.IsConflict(err), "double commit should conflict, got %v", err)
}

func TestBatchAddAfterCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	batch := s.NewBatch()
	require.NoError(t, s.CommitBatch(ctx, batch))

	_, err := s.Write(ctx, WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []Row{{"n": 1.0}},
		Batch:         batch,
	})
	assert.True(t, types.IsConflict(err), "writing into a committed batch should conflict, got %v", err)
}

func TestSoloWriteCommitsItsOwnBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	artifact, err := s.Write(ctx, WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []Row{{"n": 1.0}},
	})
	require.NoError(t, err)

	committed, err := s.CommittedBatches(ctx)
	require.NoError(t, err)
	assert.True(t, committed[artifact.BatchID], "a batchless write must land in a committed batch")
}
