package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/malbeck/quantreg/internal/types"
)

// ArtifactFilters holds optional filters for listing artifacts.
type ArtifactFilters struct {
	Type   types.ArtifactType
	Status types.ArtifactStatus
	Limit  int
}

// ExperimentFilters holds optional filters for listing experiments.
type ExperimentFilters struct {
	Status types.ExperimentStatus
	Name   string
	Limit  int
}

const defaultListLimit = 50

// ListArtifacts returns artifacts most-recent-first with optional filters.
func (c *Catalog) ListArtifacts(ctx context.Context, filters ArtifactFilters) ([]types.Artifact, error) {
	if filters.Limit == 0 {
		filters.Limit = defaultListLimit
	}
	query := `SELECT raw FROM artifacts WHERE 1=1`
	args := []any{}
	if filters.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filters.Type))
	}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filters.Limit)
	return c.queryArtifacts(ctx, query, args...)
}

// GetArtifact returns one artifact by ID, or nil when absent.
func (c *Catalog) GetArtifact(ctx context.Context, artifactID string) (*types.Artifact, error) {
	var a *types.Artifact
	err := c.withDB(func(db *sql.DB) error {
		var raw string
		err := db.QueryRowContext(ctx, `SELECT raw FROM artifacts WHERE id = ?`, artifactID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get artifact %s: %w", artifactID, err)
		}
		a = &types.Artifact{}
		return json.Unmarshal([]byte(raw), a)
	})
	return a, err
}

// FindByKey returns every artifact version under a (type, logical key) pair,
// most recent first.
func (c *Catalog) FindByKey(ctx context.Context, t types.ArtifactType, logicalKey string) ([]types.Artifact, error) {
	return c.queryArtifacts(ctx,
		`SELECT raw FROM artifacts WHERE type = ? AND logical_key = ? ORDER BY created_at DESC, id`,
		string(t), logicalKey,
	)
}

// ActiveByKey returns the active artifacts under a (type, logical key) pair.
func (c *Catalog) ActiveByKey(ctx context.Context, t types.ArtifactType, logicalKey string) ([]types.Artifact, error) {
	return c.queryArtifacts(ctx,
		`SELECT raw FROM artifacts WHERE type = ? AND logical_key = ? AND status = ? ORDER BY created_at DESC, id`,
		string(t), logicalKey, string(types.StatusActive),
	)
}

// LineageInputs returns one hop of upstream lineage for an artifact, with
// each input's type attached.
func (c *Catalog) LineageInputs(ctx context.Context, artifactID string) ([]types.LineageInput, error) {
	var out []types.LineageInput
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT l.input_id, COALESCE(a.type, ''), l.role
			 FROM lineage l LEFT JOIN artifacts a ON a.id = l.input_id
			 WHERE l.output_id = ?
			 ORDER BY l.role, l.input_id`,
			artifactID,
		)
		if err != nil {
			return fmt.Errorf("failed to query lineage for %s: %w", artifactID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var in types.LineageInput
			var t string
			if err := rows.Scan(&in.ArtifactID, &t, &in.Role); err != nil {
				return fmt.Errorf("failed to scan lineage row: %w", err)
			}
			in.Type = types.ArtifactType(t)
			out = append(out, in)
		}
		return rows.Err()
	})
	return out, err
}

// Downstream returns the artifacts that consume the given artifact. One hop
// by default; transitive follows consumers of consumers, breadth-first.
func (c *Catalog) Downstream(ctx context.Context, artifactID string, transitive bool) ([]types.Artifact, error) {
	seen := map[string]bool{artifactID: true}
	frontier := []string{artifactID}
	var out []types.Artifact
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			consumers, err := c.queryArtifacts(ctx,
				`SELECT a.raw FROM lineage l JOIN artifacts a ON a.id = l.output_id
				 WHERE l.input_id = ? ORDER BY a.created_at, a.id`,
				id,
			)
			if err != nil {
				return nil, err
			}
			for _, a := range consumers {
				if seen[a.ID] {
					continue
				}
				seen[a.ID] = true
				out = append(out, a)
				next = append(next, a.ID)
			}
		}
		if !transitive {
			break
		}
		frontier = next
	}
	return out, nil
}

// MatchRuns evaluates a runset spec's filters against the runs table.
// Time bounds select runs whose window overlaps the spec's window; universe
// and tag filters require at least one element in common.
func (c *Catalog) MatchRuns(ctx context.Context, spec types.RunSetSpec) ([]types.Run, error) {
	query := `SELECT raw FROM runs WHERE dataset_id = ? AND from_ts < ? AND to_ts > ?`
	args := []any{
		spec.DatasetID,
		spec.To.UTC().Format(tsLayout),
		spec.From.UTC().Format(tsLayout),
	}
	if len(spec.Strategies) > 0 {
		query += ` AND strategy IN (?` // first placeholder
		args = append(args, spec.Strategies[0])
		for _, s := range spec.Strategies[1:] {
			query += `, ?`
			args = append(args, s)
		}
		query += `)`
	}
	query += ` ORDER BY created_at, id`

	var runs []types.Run
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to match runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan run row: %w", err)
			}
			var run types.Run
			if err := json.Unmarshal([]byte(raw), &run); err != nil {
				return fmt.Errorf("failed to decode run: %w", err)
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	filtered := runs[:0]
	for _, run := range runs {
		if len(spec.Universe) > 0 && !intersects(run.Universe, spec.Universe) {
			continue
		}
		if len(spec.Tags) > 0 && !intersects(run.Tags, spec.Tags) {
			continue
		}
		filtered = append(filtered, run)
	}
	runs = filtered

	if spec.Latest {
		runs = latestPerStrategy(runs)
	}
	return runs, nil
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

// latestPerStrategy keeps only the newest run per strategy.
func latestPerStrategy(runs []types.Run) []types.Run {
	newest := make(map[string]types.Run)
	for _, run := range runs {
		cur, ok := newest[run.Strategy]
		if !ok || run.CreatedAt.After(cur.CreatedAt) {
			newest[run.Strategy] = run
		}
	}
	out := make([]types.Run, 0, len(newest))
	for _, run := range newest {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetRun returns one run, or nil when absent.
func (c *Catalog) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var run *types.Run
	err := c.withDB(func(db *sql.DB) error {
		var raw string
		err := db.QueryRowContext(ctx, `SELECT raw FROM runs WHERE id = ?`, runID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get run %s: %w", runID, err)
		}
		run = &types.Run{}
		return json.Unmarshal([]byte(raw), run)
	})
	return run, err
}

// ResolutionRefCount counts how many resolution snapshots (frozen or not)
// reference an artifact. Used by the tombstone policy check.
func (c *Catalog) ResolutionRefCount(ctx context.Context, artifactID string) (int, error) {
	var n int
	err := c.withDB(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM membership WHERE artifact_id = ?`, artifactID,
		).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count resolution references for %s: %w", artifactID, err)
	}
	return n, nil
}

// ListRunSets returns every runset, newest first.
func (c *Catalog) ListRunSets(ctx context.Context) ([]types.RunSet, error) {
	var out []types.RunSet
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT raw FROM runsets ORDER BY created_at DESC, id`)
		if err != nil {
			return fmt.Errorf("failed to list runsets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan runset row: %w", err)
			}
			var rs types.RunSet
			if err := json.Unmarshal([]byte(raw), &rs); err != nil {
				return fmt.Errorf("failed to decode runset: %w", err)
			}
			out = append(out, rs)
		}
		return rows.Err()
	})
	return out, err
}

// ListExperiments returns experiments most-recent-first with optional filters.
func (c *Catalog) ListExperiments(ctx context.Context, filters ExperimentFilters) ([]types.Experiment, error) {
	if filters.Limit == 0 {
		filters.Limit = defaultListLimit
	}
	query := `SELECT raw FROM experiments WHERE 1=1`
	args := []any{}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	if filters.Name != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+filters.Name+"%")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filters.Limit)

	var out []types.Experiment
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan experiment row: %w", err)
			}
			var e types.Experiment
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return fmt.Errorf("failed to decode experiment: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ExperimentsByInput returns the experiments that consumed any of the given
// artifacts: the reverse lineage lookup.
func (c *Catalog) ExperimentsByInput(ctx context.Context, artifactIDs []string) ([]types.Experiment, error) {
	if len(artifactIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT e.raw FROM experiments e
		 JOIN experiment_inputs i ON i.experiment_id = e.id
		 WHERE i.artifact_id IN (?`
	args := []any{artifactIDs[0]}
	for _, id := range artifactIDs[1:] {
		query += `, ?`
		args = append(args, id)
	}
	query += `) ORDER BY e.raw`

	var out []types.Experiment
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to find experiments by inputs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan experiment row: %w", err)
			}
			var e types.Experiment
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return fmt.Errorf("failed to decode experiment: %w", err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *Catalog) queryArtifacts(ctx context.Context, query string, args ...any) ([]types.Artifact, error) {
	var out []types.Artifact
	err := c.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query artifacts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("failed to scan artifact row: %w", err)
			}
			var a types.Artifact
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				return fmt.Errorf("failed to decode artifact: %w", err)
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}
