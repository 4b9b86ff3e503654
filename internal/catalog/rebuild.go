package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malbeck/quantreg/internal/schemas"
	"github.com/malbeck/quantreg/internal/types"
)

// Stats summarizes what a rebuild loaded.
type Stats struct {
	RunSets     int `json:"runsets"`
	Runs        int `json:"runs"`
	Artifacts   int `json:"artifacts"`
	Resolutions int `json:"resolutions"`
	Membership  int `json:"membership"`
}

// RebuildError aggregates everything that went wrong during a rebuild scan,
// together with partial stats of what had been scanned. The previous catalog
// stays live when a rebuild fails.
type RebuildError struct {
	Stats Stats
	Errs  []error
}

func (e *RebuildError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("rebuild failed after scanning %d artifacts, %d runs, %d runsets: %s",
		e.Stats.Artifacts, e.Stats.Runs, e.Stats.RunSets, strings.Join(msgs, "; "))
}

// scanResult holds everything one rebuild scan collected from the store.
type scanResult struct {
	artifacts   []*types.Artifact
	runs        []*types.Run
	runsets     []*types.RunSet
	resolutions []*types.Resolution
	experiments []*types.Experiment
}

// Rebuild reconstructs the catalog from the content store. Only artifacts in
// committed batches are indexed. The index is built in a scratch file and
// swapped in atomically; a failed rebuild leaves the previous catalog usable.
// With no new writes, repeated rebuilds produce identical query results.
//
// A manifest that fails schema validation aborts the rebuild unless force is
// set, in which case the bad manifest is skipped and the rest is indexed.
func (c *Catalog) Rebuild(ctx context.Context, force bool) (Stats, error) {
	committed, err := c.st.CommittedBatches(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		res     scanResult
		stats   Stats
		scanErr []error
	)

	// The five manifest areas are independent; scan them concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.st.ScanArtifacts(gctx, func(a *types.Artifact) error {
			if !committed[a.BatchID] {
				return nil
			}
			if err := schemas.ValidateManifest(schemas.KindArtifact, a); err != nil {
				if !force {
					scanErr = append(scanErr, fmt.Errorf("artifact %s: %w", a.ID, err))
				}
				return nil
			}
			res.artifacts = append(res.artifacts, a)
			return nil
		})
	})
	g.Go(func() error {
		return c.st.ScanRuns(gctx, func(r *types.Run) error {
			res.runs = append(res.runs, r)
			return nil
		})
	})
	g.Go(func() error {
		return c.st.ScanRunSets(gctx, func(rs *types.RunSet) error {
			res.runsets = append(res.runsets, rs)
			return nil
		})
	})
	g.Go(func() error {
		return c.st.ScanResolutions(gctx, func(r *types.Resolution) error {
			res.resolutions = append(res.resolutions, r)
			return nil
		})
	})
	g.Go(func() error {
		return c.st.ScanExperiments(gctx, func(e *types.Experiment) error {
			res.experiments = append(res.experiments, e)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		scanErr = append(scanErr, err)
	}

	stats.Artifacts = len(res.artifacts)
	stats.Runs = len(res.runs)
	stats.RunSets = len(res.runsets)
	stats.Resolutions = len(res.resolutions)
	for _, r := range res.resolutions {
		for _, ids := range r.ArtifactsByRole {
			stats.Membership += len(ids)
		}
	}

	if len(scanErr) > 0 {
		return stats, &RebuildError{Stats: stats, Errs: scanErr}
	}

	builtPath := c.path() + fmt.Sprintf(".next-%d", time.Now().UnixNano())
	if err := buildInto(ctx, builtPath, &res); err != nil {
		os.Remove(builtPath)
		return stats, &RebuildError{Stats: stats, Errs: []error{err}}
	}
	if err := c.swap(builtPath); err != nil {
		os.Remove(builtPath)
		return stats, err
	}
	return stats, nil
}

// buildInto loads a scan result into a fresh index file.
func buildInto(ctx context.Context, path string, res *scanResult) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog load: %w", err)
	}
	defer tx.Rollback()

	for _, a := range res.artifacts {
		if err := insertArtifact(tx, a); err != nil {
			return err
		}
	}
	for _, r := range res.runs {
		if err := insertRun(tx, r); err != nil {
			return err
		}
	}
	for _, rs := range res.runsets {
		if err := insertRunSet(tx, rs); err != nil {
			return err
		}
	}
	for _, r := range res.resolutions {
		if err := insertResolution(tx, r); err != nil {
			return err
		}
	}
	for _, e := range res.experiments {
		if err := insertExperiment(tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog load: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertArtifact(ex execer, a *types.Artifact) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", a.ID, err)
	}
	_, err = ex.Exec(
		`INSERT OR REPLACE INTO artifacts (id, type, logical_key, status, batch_id, created_at, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), a.LogicalKey, string(a.Status), a.BatchID,
		a.CreatedAt.UTC().Format(tsLayout), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index artifact %s: %w", a.ID, err)
	}
	if _, err := ex.Exec(`DELETE FROM lineage WHERE output_id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to reset lineage for %s: %w", a.ID, err)
	}
	for _, in := range a.Inputs {
		if _, err := ex.Exec(
			`INSERT OR REPLACE INTO lineage (output_id, input_id, role) VALUES (?, ?, ?)`,
			a.ID, in.ArtifactID, in.Role,
		); err != nil {
			return fmt.Errorf("failed to index lineage for %s: %w", a.ID, err)
		}
	}
	return nil
}

func insertRun(ex execer, r *types.Run) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}
	_, err = ex.Exec(
		`INSERT OR REPLACE INTO runs (id, dataset_id, from_ts, to_ts, strategy, created_at, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DatasetID,
		r.From.UTC().Format(tsLayout), r.To.UTC().Format(tsLayout),
		r.Strategy, r.CreatedAt.UTC().Format(tsLayout), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index run %s: %w", r.ID, err)
	}
	if _, err := ex.Exec(`DELETE FROM run_artifacts WHERE run_id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to reset run artifacts for %s: %w", r.ID, err)
	}
	for role, ids := range r.ArtifactsByRole {
		for _, id := range ids {
			if _, err := ex.Exec(
				`INSERT INTO run_artifacts (run_id, role, artifact_id) VALUES (?, ?, ?)`,
				r.ID, role, id,
			); err != nil {
				return fmt.Errorf("failed to index run artifacts for %s: %w", r.ID, err)
			}
		}
	}
	return nil
}

func insertRunSet(ex execer, rs *types.RunSet) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode runset %s: %w", rs.ID, err)
	}
	frozen := 0
	if rs.Frozen {
		frozen = 1
	}
	_, err = ex.Exec(
		`INSERT OR REPLACE INTO runsets (id, frozen, created_at, raw) VALUES (?, ?, ?, ?)`,
		rs.ID, frozen, rs.CreatedAt.UTC().Format(tsLayout), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index runset %s: %w", rs.ID, err)
	}
	return nil
}

func insertResolution(ex execer, r *types.Resolution) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode resolution %s/%d: %w", r.RunSetID, r.Seq, err)
	}
	frozen := 0
	if r.Frozen {
		frozen = 1
	}
	_, err = ex.Exec(
		`INSERT OR REPLACE INTO resolutions (runset_id, seq, hash, frozen, raw) VALUES (?, ?, ?, ?, ?)`,
		r.RunSetID, r.Seq, r.Hash, frozen, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index resolution %s/%d: %w", r.RunSetID, r.Seq, err)
	}
	if _, err := ex.Exec(`DELETE FROM membership WHERE runset_id = ? AND seq = ?`, r.RunSetID, r.Seq); err != nil {
		return fmt.Errorf("failed to reset membership for %s/%d: %w", r.RunSetID, r.Seq, err)
	}
	for role, ids := range r.ArtifactsByRole {
		for _, id := range ids {
			if _, err := ex.Exec(
				`INSERT INTO membership (runset_id, seq, role, artifact_id) VALUES (?, ?, ?, ?)`,
				r.RunSetID, r.Seq, role, id,
			); err != nil {
				return fmt.Errorf("failed to index membership for %s/%d: %w", r.RunSetID, r.Seq, err)
			}
		}
	}
	return nil
}

func insertExperiment(ex execer, e *types.Experiment) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode experiment %s: %w", e.ID, err)
	}
	_, err = ex.Exec(
		`INSERT OR REPLACE INTO experiments (id, name, status, created_at, raw) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Name, string(e.Status), e.CreatedAt.UTC().Format(tsLayout), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index experiment %s: %w", e.ID, err)
	}
	for _, table := range []string{"experiment_inputs", "experiment_outputs"} {
		if _, err := ex.Exec(`DELETE FROM `+table+` WHERE experiment_id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to reset %s for %s: %w", table, e.ID, err)
		}
	}
	for role, ids := range e.Inputs {
		for _, id := range ids {
			if _, err := ex.Exec(
				`INSERT INTO experiment_inputs (experiment_id, role, artifact_id) VALUES (?, ?, ?)`,
				e.ID, role, id,
			); err != nil {
				return fmt.Errorf("failed to index inputs for %s: %w", e.ID, err)
			}
		}
	}
	for role, ids := range e.Outputs {
		for _, id := range ids {
			if _, err := ex.Exec(
				`INSERT INTO experiment_outputs (experiment_id, role, artifact_id) VALUES (?, ?, ?)`,
				e.ID, role, id,
			); err != nil {
				return fmt.Errorf("failed to index outputs for %s: %w", e.ID, err)
			}
		}
	}
	return nil
}

// IndexBatch incrementally indexes a committed batch's artifacts into the
// live catalog. Registry write paths call this after CommitBatch so new
// artifacts are queryable without a full rebuild.
func (c *Catalog) IndexBatch(ctx context.Context, batchID string) error {
	marker, err := c.st.LoadBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if marker == nil {
		return types.Conflictf(batchID, "batch has no completion marker")
	}
	return c.withDB(func(db *sql.DB) error {
		for _, id := range marker.ArtifactIDs {
			a, err := c.st.ReadManifest(ctx, id)
			if err != nil {
				return err
			}
			if a == nil {
				return types.Conflictf(batchID, "committed batch references missing artifact %s", id)
			}
			if err := insertArtifact(db, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// IndexRun incrementally indexes one run manifest.
func (c *Catalog) IndexRun(ctx context.Context, r *types.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withDB(func(db *sql.DB) error { return insertRun(db, r) })
}

// IndexRunSet incrementally indexes one runset manifest.
func (c *Catalog) IndexRunSet(ctx context.Context, rs *types.RunSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withDB(func(db *sql.DB) error { return insertRunSet(db, rs) })
}

// IndexResolution incrementally indexes one resolution snapshot.
func (c *Catalog) IndexResolution(ctx context.Context, r *types.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withDB(func(db *sql.DB) error { return insertResolution(db, r) })
}

// IndexExperiment incrementally indexes one experiment manifest.
func (c *Catalog) IndexExperiment(ctx context.Context, e *types.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withDB(func(db *sql.DB) error { return insertExperiment(db, e) })
}

// ReindexArtifact refreshes one artifact row (e.g. after a status change).
func (c *Catalog) ReindexArtifact(ctx context.Context, a *types.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.withDB(func(db *sql.DB) error { return insertArtifact(db, a) })
}
