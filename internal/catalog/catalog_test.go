package catalog

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeck/quantreg/internal/store"
	"github.com/malbeck/quantreg/internal/types"
)

func testCatalog(t *testing.T) (*store.Store, *Catalog) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	cat, err := Open(st)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return st, cat
}

func writeAlerts(t *testing.T, st *store.Store, key string, rows []store.Row) *types.Artifact {
	t.Helper()
	a, err := st.Write(context.Background(), store.WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    key,
		SchemaVersion: 1,
		Rows:          rows,
	})
	require.NoError(t, err)
	return a
}

func TestRebuildIndexesCommittedArtifacts(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	a := writeAlerts(t, st, "day=2025-10-01", []store.Row{{"mint": "m1"}})

	stats, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Artifacts)

	got, err := cat.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.LogicalKey, got.LogicalKey)

	missing, err := cat.GetArtifact(ctx, "a-00000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRebuildSkipsUncommittedBatches(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	batch := st.NewBatch()
	pending, err := st.Write(ctx, store.WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []store.Row{{"mint": "m1"}},
		Batch:         batch,
	})
	require.NoError(t, err)

	stats, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Artifacts, "uncommitted batches must stay invisible")

	got, err := cat.GetArtifact(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, st.CommitBatch(ctx, batch))
	stats, err = cat.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Artifacts)

	got, err = cat.GetArtifact(ctx, pending.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRebuildDeterministic(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	for i, key := range []string{"day=2025-10-01", "day=2025-10-02", "day=2025-10-03"} {
		writeAlerts(t, st, key, []store.Row{{"i": float64(i)}})
	}
	require.NoError(t, st.SaveRun(ctx, &types.Run{
		ID:              "r-1",
		DatasetID:       "telegram-v1",
		From:            time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		To:              time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
		ArtifactsByRole: map[string][]string{"alerts": {"a-1"}},
		CreatedAt:       time.Now().UTC(),
	}))

	first, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)
	artifacts1, err := cat.ListArtifacts(ctx, ArtifactFilters{})
	require.NoError(t, err)

	second, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)
	artifacts2, err := cat.ListArtifacts(ctx, ArtifactFilters{})
	require.NoError(t, err)

	assert.Equal(t, first, second, "stats must not change without new writes")
	assert.Equal(t, artifacts1, artifacts2, "query results must not change without new writes")
}

func TestRebuildAggregatesErrors(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	good := writeAlerts(t, st, "day=2025-10-01", []store.Row{{"mint": "m1"}})
	bad := writeAlerts(t, st, "day=2025-10-02", []store.Row{{"mint": "m2"}})
	corruptManifest(t, st, bad.ID)

	_, err := cat.Rebuild(ctx, false)
	require.Error(t, err)
	var rebuildErr *RebuildError
	require.ErrorAs(t, err, &rebuildErr)
	assert.NotEmpty(t, rebuildErr.Errs)

	// force skips the bad manifest and indexes the rest.
	stats, err := cat.Rebuild(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Artifacts)

	got, err := cat.GetArtifact(ctx, good.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// corruptManifest rewrites an artifact's sidecar with a required field removed.
func corruptManifest(t *testing.T, st *store.Store, artifactID string) {
	t.Helper()
	var manifestPath string
	err := filepath.WalkDir(st.ArtifactsRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == artifactID+".manifest.json" {
			manifestPath = path
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, manifestPath)

	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	delete(doc, "logical_key")
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, data, 0o644))
}

func TestListArtifactsFilters(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	writeAlerts(t, st, "day=2025-10-01", []store.Row{{"mint": "m1"}})
	_, err := st.Write(ctx, store.WriteRequest{
		Type:          types.ArtifactOHLCVSlice,
		LogicalKey:    "day=2025-10-01/interval=1m",
		SchemaVersion: 1,
		Rows:          []store.Row{{"close": 1.0}},
	})
	require.NoError(t, err)

	_, err = cat.Rebuild(ctx, false)
	require.NoError(t, err)

	all, err := cat.ListArtifacts(ctx, ArtifactFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alerts, err := cat.ListArtifacts(ctx, ArtifactFilters{Type: types.ArtifactAlerts})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.ArtifactAlerts, alerts[0].Type)

	limited, err := cat.ListArtifacts(ctx, ArtifactFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := cat.ListArtifacts(ctx, ArtifactFilters{Status: types.StatusTombstoned})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLineageAndDownstream(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	upstream := writeAlerts(t, st, "day=2025-10-01", []store.Row{{"mint": "m1"}})

	mid, err := st.Write(ctx, store.WriteRequest{
		Type:          types.ArtifactExperimentTrades,
		LogicalKey:    "experiment=e-1",
		SchemaVersion: 1,
		Rows:          []store.Row{{"pnl_pct": 1.0}},
		Inputs:        []types.LineageRef{{ArtifactID: upstream.ID, Role: "alerts"}},
	})
	require.NoError(t, err)

	leaf, err := st.Write(ctx, store.WriteRequest{
		Type:          types.ArtifactExperimentMetrics,
		LogicalKey:    "experiment=e-2",
		SchemaVersion: 1,
		Rows:          []store.Row{{"value": 2.0}},
		Inputs:        []types.LineageRef{{ArtifactID: mid.ID, Role: "trades"}},
	})
	require.NoError(t, err)

	_, err = cat.Rebuild(ctx, false)
	require.NoError(t, err)

	inputs, err := cat.LineageInputs(ctx, mid.ID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, upstream.ID, inputs[0].ArtifactID)
	assert.Equal(t, types.ArtifactAlerts, inputs[0].Type)
	assert.Equal(t, "alerts", inputs[0].Role)

	oneHop, err := cat.Downstream(ctx, upstream.ID, false)
	require.NoError(t, err)
	require.Len(t, oneHop, 1)
	assert.Equal(t, mid.ID, oneHop[0].ID)

	transitive, err := cat.Downstream(ctx, upstream.ID, true)
	require.NoError(t, err)
	require.Len(t, transitive, 2)
	ids := []string{transitive[0].ID, transitive[1].ID}
	assert.Contains(t, ids, mid.ID)
	assert.Contains(t, ids, leaf.ID)
}

func TestFailedSwapKeepsCatalogUsable(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	writeAlerts(t, st, "day=2025-10-01", []store.Row{{"mint": "m"}})
	_, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)

	err = cat.swap(filepath.Join(st.Root(), "catalog", "no-such-build.db"))
	require.Error(t, err)

	// The previous index file is intact on disk; queries keep working.
	artifacts, err := cat.ListArtifacts(ctx, ArtifactFilters{})
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func seedRuns(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	runs := []*types.Run{
		{
			ID: "r-1", DatasetID: "telegram-v1", Strategy: "momentum",
			From: base, To: base.Add(24 * time.Hour),
			Universe: []string{"sol"}, Tags: []string{"prod"},
			ArtifactsByRole: map[string][]string{"alerts": {"a-1"}},
			CreatedAt:       base,
		},
		{
			ID: "r-2", DatasetID: "telegram-v1", Strategy: "momentum",
			From: base.Add(24 * time.Hour), To: base.Add(48 * time.Hour),
			Universe: []string{"sol"}, Tags: []string{"prod"},
			ArtifactsByRole: map[string][]string{"alerts": {"a-2"}},
			CreatedAt:       base.Add(time.Hour),
		},
		{
			ID: "r-3", DatasetID: "telegram-v1", Strategy: "reversion",
			From: base, To: base.Add(24 * time.Hour),
			Universe: []string{"eth"}, Tags: []string{"staging"},
			ArtifactsByRole: map[string][]string{"alerts": {"a-3"}},
			CreatedAt:       base,
		},
		{
			ID: "r-4", DatasetID: "other-set", Strategy: "momentum",
			From: base, To: base.Add(24 * time.Hour),
			ArtifactsByRole: map[string][]string{"alerts": {"a-4"}},
			CreatedAt:       base,
		},
	}
	for _, run := range runs {
		require.NoError(t, st.SaveRun(ctx, run))
	}
}

func TestMatchRunsSubSecondBounds(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	// The run's window ends half a second into the requested window; the
	// overlap comparison must rank whole-second and sub-second timestamps
	// consistently.
	run := &types.Run{
		ID: "r-frac", DatasetID: "telegram-v1", Strategy: "momentum",
		From: base.Add(-time.Hour), To: base.Add(500 * time.Millisecond),
		ArtifactsByRole: map[string][]string{"alerts": {"a-1"}},
		CreatedAt:       base,
	}
	require.NoError(t, st.SaveRun(ctx, run))
	_, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)

	runs, err := cat.MatchRuns(ctx, types.RunSetSpec{
		DatasetID: "telegram-v1",
		From:      base,
		To:        base.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r-frac", runs[0].ID)
}

func TestMatchRuns(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()
	seedRuns(t, st)
	_, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)

	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	spec := types.RunSetSpec{
		DatasetID: "telegram-v1",
		From:      base,
		To:        base.Add(48 * time.Hour),
	}
	runs, err := cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	assert.Len(t, runs, 3, "dataset filter excludes other datasets")

	spec.To = base.Add(12 * time.Hour)
	runs, err = cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "bounds select overlapping runs only")

	spec.To = base.Add(48 * time.Hour)
	spec.Strategies = []string{"momentum"}
	runs, err = cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	spec.Strategies = nil
	spec.Universe = []string{"eth"}
	runs, err = cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r-3", runs[0].ID)

	spec.Universe = nil
	spec.Tags = []string{"prod"}
	runs, err = cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	spec.Tags = nil
	spec.Latest = true
	runs, err = cat.MatchRuns(ctx, spec)
	require.NoError(t, err)
	require.Len(t, runs, 2, "latest keeps one run per strategy")
	for _, run := range runs {
		if run.Strategy == "momentum" {
			assert.Equal(t, "r-2", run.ID, "the newest momentum run wins")
		}
	}
}

func TestResolutionRefCount(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	res := &types.Resolution{
		RunSetID:        "rs-0123456789abcdef",
		Seq:             1,
		ResolvedAt:      time.Now().UTC(),
		RunIDs:          []string{"r-1"},
		ArtifactsByRole: map[string][]string{"alerts": {"a-1", "a-2"}},
		Hash:            "deadbeef",
	}
	require.NoError(t, st.AppendResolution(ctx, res))
	_, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)

	n, err := cat.ResolutionRefCount(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = cat.ResolutionRefCount(ctx, "a-unreferenced")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListExperimentsAndByInput(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	exps := []*types.Experiment{
		{
			ID: "e-1", Name: "hold30", Status: types.ExperimentCompleted,
			Inputs: map[string][]string{"alerts": {"a-1"}},
			Config: types.ExperimentConfig{Strategy: "hold"}, ConfigHash: "x1",
			CreatedAt: base,
		},
		{
			ID: "e-2", Name: "hold60", Status: types.ExperimentFailed,
			Inputs: map[string][]string{"alerts": {"a-2"}},
			Config: types.ExperimentConfig{Strategy: "hold"}, ConfigHash: "x2",
			CreatedAt: base.Add(time.Hour),
		},
	}
	for _, e := range exps {
		require.NoError(t, st.SaveExperiment(ctx, e))
	}
	_, err := cat.Rebuild(ctx, false)
	require.NoError(t, err)

	all, err := cat.ListExperiments(ctx, ExperimentFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e-2", all[0].ID, "newest first")

	failed, err := cat.ListExperiments(ctx, ExperimentFilters{Status: types.ExperimentFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e-2", failed[0].ID)

	named, err := cat.ListExperiments(ctx, ExperimentFilters{Name: "hold30"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "e-1", named[0].ID)

	byInput, err := cat.ExperimentsByInput(ctx, []string{"a-1"})
	require.NoError(t, err)
	require.Len(t, byInput, 1)
	assert.Equal(t, "e-1", byInput[0].ID)

	byInput, err = cat.ExperimentsByInput(ctx, []string{"a-1", "a-2"})
	require.NoError(t, err)
	assert.Len(t, byInput, 2)

	byInput, err = cat.ExperimentsByInput(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, byInput)
}

func TestIndexBatchRequiresMarker(t *testing.T) {
	st, cat := testCatalog(t)
	ctx := context.Background()

	batch := st.NewBatch()
	_, err := st.Write(ctx, store.WriteRequest{
		Type:          types.ArtifactAlerts,
		LogicalKey:    "day=2025-10-01",
		SchemaVersion: 1,
		Rows:          []store.Row{{"mint": "m1"}},
		Batch:         batch,
	})
	require.NoError(t, err)

	err = cat.IndexBatch(ctx, batch.ID)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err) || strings.Contains(err.Error(), "marker"))

	require.NoError(t, st.CommitBatch(ctx, batch))
	require.NoError(t, cat.IndexBatch(ctx, batch.ID))
}
