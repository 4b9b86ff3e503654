// Package sim defines the boundary to the simulation engine. The engine is a
// collaborator: a pure, deterministic function from a projection of input
// artifacts plus a config to trades, metrics, and events. It performs no I/O;
// the experiment tracker owns turning its outputs into artifacts.
package sim

import (
	"context"
	"time"

	"github.com/malbeck/quantreg/internal/types"
)

// Projection is the engine-facing view of an experiment's input artifacts:
// raw rows grouped by lineage role, plus the experiment's time bounds.
type Projection struct {
	RowsByRole map[string][]map[string]any
	From       time.Time
	To         time.Time
}

// Trade is one simulated position.
type Trade struct {
	Mint       string    `json:"mint"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnLPct     float64   `json:"pnl_pct"`
}

// Event is one diagnostic emitted during simulation.
type Event struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Result is everything a simulation produces.
type Result struct {
	Trades  []Trade
	Metrics map[string]float64
	Events  []Event
}

// Engine runs simulations. Simulate may block arbitrarily long; cancellation
// and timeout policy belong to the caller's context, not to the engine.
type Engine interface {
	Simulate(ctx context.Context, projection Projection, config types.ExperimentConfig) (*Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, projection Projection, config types.ExperimentConfig) (*Result, error)

// Simulate implements Engine.
func (f EngineFunc) Simulate(ctx context.Context, projection Projection, config types.ExperimentConfig) (*Result, error) {
	return f(ctx, projection, config)
}
