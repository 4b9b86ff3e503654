package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/malbeck/quantreg/internal/types"
)

// The registry area holds run, runset, resolution, and experiment manifests
// in the same atomic-JSON style as artifact sidecars. The catalog rebuilds
// its query tables from these files.

// SaveRun persists a run manifest.
func (s *Store) SaveRun(ctx context.Context, run *types.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		return &types.ValidationError{Field: "run_id", Msg: "must not be empty"}
	}
	return saveJSON(s.runPath(run.ID), run)
}

// LoadRun returns a run manifest, or nil when absent.
func (s *Store) LoadRun(ctx context.Context, runID string) (*types.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var run types.Run
	ok, err := loadJSON(s.runPath(runID), &run)
	if err != nil || !ok {
		return nil, err
	}
	return &run, nil
}

// ScanRuns calls fn for every run manifest, in lexical file order.
func (s *Store) ScanRuns(ctx context.Context, fn func(*types.Run) error) error {
	return s.scanManifests(ctx, filepath.Join(s.root, registryDir, runsDir), func(path string) error {
		var run types.Run
		if _, err := loadJSON(path, &run); err != nil {
			return err
		}
		return fn(&run)
	})
}

// SaveRunSet persists a runset manifest if it does not exist yet and returns
// the stored record either way. Creation is an idempotent upsert: the same
// spec hashes to the same ID, and a second create finds the first's manifest.
func (s *Store) SaveRunSet(ctx context.Context, rs *types.RunSet) (*types.RunSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := s.LoadRunSet(ctx, rs.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if err := saveJSON(s.runsetPath(rs.ID), rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRunSet returns a runset manifest, or nil when absent.
func (s *Store) LoadRunSet(ctx context.Context, runsetID string) (*types.RunSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rs types.RunSet
	ok, err := loadJSON(s.runsetPath(runsetID), &rs)
	if err != nil || !ok {
		return nil, err
	}
	return &rs, nil
}

// ScanRunSets calls fn for every runset manifest.
func (s *Store) ScanRunSets(ctx context.Context, fn func(*types.RunSet) error) error {
	return s.scanManifests(ctx, filepath.Join(s.root, registryDir, runsetsDir), func(path string) error {
		var rs types.RunSet
		if _, err := loadJSON(path, &rs); err != nil {
			return err
		}
		return fn(&rs)
	})
}

// FreezeRunSet pins a runset to the given resolution seq. The freeze guard
// file is created exclusively, so of two concurrent freezes exactly one
// succeeds; the loser gets a ConflictError. Without force, an existing guard
// also fails the call.
func (s *Store) FreezeRunSet(ctx context.Context, rs *types.RunSet, seq int, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	guard := s.runsetFrozenPath(rs.ID)
	created := false
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) && !force {
			return types.Conflictf(rs.ID, "runset is already frozen")
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create freeze guard: %w", err)
		}
	} else {
		created = true
		fmt.Fprintf(f, "%06d\n", seq)
		f.Close()
	}
	rs.Frozen = true
	rs.FrozenSeq = seq
	if err := saveJSON(s.runsetPath(rs.ID), rs); err != nil {
		// A guard without a recorded pin would block every later freeze; only
		// a guard this call created is rolled back.
		if created {
			os.Remove(guard)
		}
		return err
	}
	return nil
}

// AppendResolution persists a resolution snapshot under the next sequence
// number. Snapshots are append-only: an existing seq is never overwritten,
// and a seq collision between concurrent resolvers is a conflict.
func (s *Store) AppendResolution(ctx context.Context, res *types.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.resolutionPath(res.RunSetID, res.Seq)
	if _, err := os.Stat(path); err == nil {
		return types.Conflictf(res.RunSetID, "resolution seq %d already exists", res.Seq)
	}
	return saveJSON(path, res)
}

// NextResolutionSeq returns one past the highest stored seq for a runset.
// The first resolution of a runset gets seq 1.
func (s *Store) NextResolutionSeq(ctx context.Context, runsetID string) (int, error) {
	seqs, err := s.resolutionSeqs(ctx, runsetID)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 1, nil
	}
	return seqs[len(seqs)-1] + 1, nil
}

// LoadResolution returns one resolution snapshot, or nil when absent.
func (s *Store) LoadResolution(ctx context.Context, runsetID string, seq int) (*types.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res types.Resolution
	ok, err := loadJSON(s.resolutionPath(runsetID, seq), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

// LatestResolution returns the highest-seq resolution of a runset, or nil
// when the runset has never been resolved.
func (s *Store) LatestResolution(ctx context.Context, runsetID string) (*types.Resolution, error) {
	seqs, err := s.resolutionSeqs(ctx, runsetID)
	if err != nil || len(seqs) == 0 {
		return nil, err
	}
	return s.LoadResolution(ctx, runsetID, seqs[len(seqs)-1])
}

// ListResolutions returns every stored resolution of a runset in seq order:
// the full append-only audit history.
func (s *Store) ListResolutions(ctx context.Context, runsetID string) ([]types.Resolution, error) {
	seqs, err := s.resolutionSeqs(ctx, runsetID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Resolution, 0, len(seqs))
	for _, seq := range seqs {
		res, err := s.LoadResolution(ctx, runsetID, seq)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (s *Store) resolutionSeqs(ctx context.Context, runsetID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.resolutionDir(runsetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list resolutions for %s: %w", runsetID, err)
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// ScanResolutions calls fn for every resolution snapshot of every runset.
func (s *Store) ScanResolutions(ctx context.Context, fn func(*types.Resolution) error) error {
	base := filepath.Join(s.root, registryDir, resolutionsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list resolutions: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		resolutions, err := s.ListResolutions(ctx, e.Name())
		if err != nil {
			return err
		}
		for i := range resolutions {
			if err := fn(&resolutions[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveExperiment persists an experiment manifest, overwriting any previous
// version (status transitions rewrite the record in place, atomically).
func (s *Store) SaveExperiment(ctx context.Context, exp *types.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if exp.ID == "" {
		return &types.ValidationError{Field: "experiment_id", Msg: "must not be empty"}
	}
	return saveJSON(s.experimentPath(exp.ID), exp)
}

// LoadExperiment returns an experiment manifest, or nil when absent.
func (s *Store) LoadExperiment(ctx context.Context, experimentID string) (*types.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exp types.Experiment
	ok, err := loadJSON(s.experimentPath(experimentID), &exp)
	if err != nil || !ok {
		return nil, err
	}
	return &exp, nil
}

// ScanExperiments calls fn for every experiment manifest.
func (s *Store) ScanExperiments(ctx context.Context, fn func(*types.Experiment) error) error {
	return s.scanManifests(ctx, filepath.Join(s.root, registryDir, experimentsDir), func(path string) error {
		var exp types.Experiment
		if _, err := loadJSON(path, &exp); err != nil {
			return err
		}
		return fn(&exp)
	})
}

func (s *Store) scanManifests(ctx context.Context, dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
