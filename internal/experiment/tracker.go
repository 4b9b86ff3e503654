// Package experiment implements the experiment tracker: records of intent
// (inputs, config) and outcome (outputs, status, timing) over the registry
// and resolver, handing the actual computation to the simulation engine.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/registry"
	"github.com/malbeck/quantreg/internal/runset"
	"github.com/malbeck/quantreg/internal/schemas"
	"github.com/malbeck/quantreg/internal/sim"
	"github.com/malbeck/quantreg/internal/store"
	"github.com/malbeck/quantreg/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Output roles and the schema version written for engine outputs.
const (
	RoleTrades  = "trades"
	RoleMetrics = "metrics"
	RoleEvents  = "events"

	outputSchemaVersion = 1
)

// Tracker creates and executes experiments. Different experiments may
// execute concurrently; each execution touches only its own record and its
// own output batch.
type Tracker struct {
	reg      *registry.Registry
	resolver *runset.Resolver
	engine   sim.Engine
}

// New builds a tracker.
func New(reg *registry.Registry, resolver *runset.Resolver, engine sim.Engine) *Tracker {
	return &Tracker{reg: reg, resolver: resolver, engine: engine}
}

// CreateRequest describes a new experiment. Exactly one of Inputs or
// RunSetRef must be given.
type CreateRequest struct {
	Name        string `validate:"required"`
	Description string
	Inputs      map[string][]string
	RunSetRef   string
	Config      types.ExperimentConfig
	From        time.Time
	To          time.Time
}

// Create records a pending experiment. A RunSetRef is resolved now, so the
// record carries concrete input artifact IDs regardless of how it was
// specified.
func (t *Tracker) Create(ctx context.Context, req CreateRequest) (*types.Experiment, error) {
	if err := validate.Struct(req); err != nil {
		return nil, types.Validationf("invalid experiment request: %v", err)
	}
	if err := validate.Struct(req.Config); err != nil {
		return nil, &types.ValidationError{Field: "config.strategy", Msg: "is required"}
	}
	if (len(req.Inputs) == 0) == (req.RunSetRef == "") {
		return nil, &types.ValidationError{Field: "inputs", Msg: "exactly one of inputs or runset_ref must be given"}
	}

	inputs := req.Inputs
	if req.RunSetRef != "" {
		res, err := t.resolver.Resolve(ctx, req.RunSetRef, false)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, types.Validationf("runset %s not found", req.RunSetRef)
		}
		inputs = res.ArtifactsByRole
	}

	hash, err := configHash(req.Config)
	if err != nil {
		return nil, err
	}
	exp := &types.Experiment{
		ID:          "e-" + uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      types.ExperimentPending,
		RunSetID:    req.RunSetRef,
		Inputs:      inputs,
		Config:      req.Config,
		ConfigHash:  hash,
		CreatedAt:   time.Now().UTC(),
	}
	if !req.From.IsZero() {
		from := req.From.UTC()
		exp.From = &from
	}
	if !req.To.IsZero() {
		to := req.To.UTC()
		exp.To = &to
	}
	if err := t.save(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// Execute runs the three-stage pipeline: project inputs, simulate, publish
// outputs with lineage. Engine and stage failures do not propagate as
// errors; they land in the record as status=failed with the error captured,
// and no output artifact of the attempt is ever committed.
func (t *Tracker) Execute(ctx context.Context, experimentID string) (*types.Experiment, error) {
	exp, err := t.reg.Store().LoadExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, nil
	}
	if exp.Status != types.ExperimentPending {
		return nil, types.Conflictf(experimentID, "cannot execute experiment in status %q", exp.Status)
	}

	start := time.Now().UTC()
	exp.Status = types.ExperimentRunning
	exp.StartedAt = &start
	if err := t.save(ctx, exp); err != nil {
		return nil, err
	}

	projection, err := t.buildProjection(ctx, exp)
	if err != nil {
		return t.markFailed(ctx, exp, start, &types.ExecutionError{Stage: "project", Err: err})
	}

	result, err := t.engine.Simulate(ctx, projection, exp.Config)
	if err != nil {
		return t.markFailed(ctx, exp, start, &types.ExecutionError{Stage: "simulate", Err: err})
	}

	outputs, err := t.publish(ctx, exp, result)
	if err != nil {
		return t.markFailed(ctx, exp, start, &types.ExecutionError{Stage: "publish", Err: err})
	}

	finished := time.Now().UTC()
	exp.Status = types.ExperimentCompleted
	exp.Outputs = outputs
	exp.FinishedAt = &finished
	exp.DurationMS = finished.Sub(start).Milliseconds()
	if err := t.save(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// buildProjection loads every input artifact's rows, grouped by role.
func (t *Tracker) buildProjection(ctx context.Context, exp *types.Experiment) (sim.Projection, error) {
	projection := sim.Projection{RowsByRole: make(map[string][]map[string]any)}
	if exp.From != nil {
		projection.From = *exp.From
	}
	if exp.To != nil {
		projection.To = *exp.To
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for role, ids := range exp.Inputs {
		for _, id := range ids {
			role, id := role, id
			g.Go(func() error {
				rows, err := t.reg.Store().Read(gctx, id)
				if err != nil {
					return err
				}
				if rows == nil {
					return fmt.Errorf("input artifact %s not found", id)
				}
				converted := make([]map[string]any, len(rows))
				for i, row := range rows {
					converted[i] = row
				}
				mu.Lock()
				projection.RowsByRole[role] = append(projection.RowsByRole[role], converted...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return sim.Projection{}, err
	}
	// Load order across artifacts is nondeterministic; give the engine a
	// stable view.
	for role := range projection.RowsByRole {
		rows := projection.RowsByRole[role]
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := json.Marshal(rows[i])
			b, _ := json.Marshal(rows[j])
			return string(a) < string(b)
		})
	}
	return projection, nil
}

// publish writes the engine's outputs as one batch with lineage back to
// every input, and commits it. Nothing is visible until the commit; a
// failure anywhere leaves the batch uncommitted and the outputs invisible.
func (t *Tracker) publish(ctx context.Context, exp *types.Experiment, result *sim.Result) (map[string][]string, error) {
	lineage := make([]types.LineageRef, 0, len(exp.InputIDs()))
	for role, ids := range exp.Inputs {
		for _, id := range ids {
			lineage = append(lineage, types.LineageRef{ArtifactID: id, Role: role})
		}
	}
	sort.Slice(lineage, func(i, j int) bool { return lineage[i].ArtifactID < lineage[j].ArtifactID })

	batch := t.reg.NewBatch()
	logicalKey := "experiment=" + exp.ID
	outputs := make(map[string][]string)

	write := func(role string, artifactType types.ArtifactType, rows []store.Row) error {
		artifact, err := t.reg.Store().Write(ctx, store.WriteRequest{
			Type:          artifactType,
			LogicalKey:    logicalKey,
			SchemaVersion: outputSchemaVersion,
			Rows:          rows,
			Inputs:        lineage,
			Batch:         batch,
		})
		if err != nil {
			return err
		}
		outputs[role] = append(outputs[role], artifact.ID)
		return nil
	}

	if err := write(RoleTrades, types.ArtifactExperimentTrades, tradeRows(result.Trades)); err != nil {
		return nil, err
	}
	if err := write(RoleMetrics, types.ArtifactExperimentMetrics, metricRows(result.Metrics)); err != nil {
		return nil, err
	}
	if err := write(RoleEvents, types.ArtifactExperimentEvents, eventRows(result.Events)); err != nil {
		return nil, err
	}

	if err := t.reg.CommitBatch(ctx, batch); err != nil {
		return nil, err
	}
	return outputs, nil
}

func tradeRows(trades []sim.Trade) []store.Row {
	rows := make([]store.Row, len(trades))
	for i, trade := range trades {
		rows[i] = store.Row{
			"mint":        trade.Mint,
			"entry_time":  trade.EntryTime.UTC().Format(time.RFC3339),
			"exit_time":   trade.ExitTime.UTC().Format(time.RFC3339),
			"entry_price": trade.EntryPrice,
			"exit_price":  trade.ExitPrice,
			"pnl_pct":     trade.PnLPct,
		}
	}
	return rows
}

func metricRows(metrics map[string]float64) []store.Row {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]store.Row, len(names))
	for i, name := range names {
		rows[i] = store.Row{"metric": name, "value": metrics[name]}
	}
	return rows
}

func eventRows(events []sim.Event) []store.Row {
	rows := make([]store.Row, len(events))
	for i, event := range events {
		rows[i] = store.Row{
			"time":   event.Time.UTC().Format(time.RFC3339),
			"kind":   event.Kind,
			"detail": event.Detail,
		}
	}
	return rows
}

// markFailed records a terminal failure. The error is captured on the
// record; the caller gets the record back, not the error.
func (t *Tracker) markFailed(ctx context.Context, exp *types.Experiment, start time.Time, execErr *types.ExecutionError) (*types.Experiment, error) {
	finished := time.Now().UTC()
	exp.Status = types.ExperimentFailed
	exp.Error = execErr.Error()
	exp.FinishedAt = &finished
	exp.DurationMS = finished.Sub(start).Milliseconds()
	if err := t.save(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (t *Tracker) save(ctx context.Context, exp *types.Experiment) error {
	if err := schemas.ValidateManifest(schemas.KindExperiment, exp); err != nil {
		return types.Validationf("experiment manifest rejected: %v", err)
	}
	if err := t.reg.Store().SaveExperiment(ctx, exp); err != nil {
		return err
	}
	return t.reg.Catalog().IndexExperiment(ctx, exp)
}

// Get returns an experiment by ID, or nil when absent.
func (t *Tracker) Get(ctx context.Context, experimentID string) (*types.Experiment, error) {
	return t.reg.Store().LoadExperiment(ctx, experimentID)
}

// List returns experiments most-recent-first with optional filters.
func (t *Tracker) List(ctx context.Context, filters catalog.ExperimentFilters) ([]types.Experiment, error) {
	return t.reg.Catalog().ListExperiments(ctx, filters)
}

// FindByInputs returns the experiments that consumed any of the given
// artifacts.
func (t *Tracker) FindByInputs(ctx context.Context, artifactIDs []string) ([]types.Experiment, error) {
	return t.reg.Catalog().ExperimentsByInput(ctx, artifactIDs)
}

// configHash hashes the canonical JSON form of a config. encoding/json sorts
// map keys, so identical configs hash identically.
func configHash(config types.ExperimentConfig) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to hash config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
