//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// ExperimentConfig holds the strategy and its parameters. The config hash is
// computed over the canonicalized config so identical configs compare equal
// across experiment records.
type ExperimentConfig struct {
	Strategy string             `json:"strategy" validate:"required"`
	Params   map[string]float64 `json:"params,omitempty"`
}

// Experiment records intent (inputs, config) and outcome (outputs, status,
// timing) of one simulation. Inputs and outputs reference artifacts by ID
// only; the experiment never owns artifact bytes.
type Experiment struct {
	ID          string           `json:"experiment_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      ExperimentStatus `json:"status"`
	// RunSetID is set when the experiment was created from a RunSet reference;
	// Inputs holds the materialized artifact IDs either way.
	RunSetID   string              `json:"runset_id,omitempty"`
	Inputs     map[string][]string `json:"inputs"`
	Outputs    map[string][]string `json:"outputs,omitempty"`
	Config     ExperimentConfig    `json:"config"`
	ConfigHash string              `json:"config_hash"`
	From       *time.Time          `json:"from,omitempty"`
	To         *time.Time          `json:"to,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	// Duration is the wall-clock execution time in milliseconds, set on any
	// terminal state reached through execution.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// InputIDs returns every input artifact ID across all roles.
func (e *Experiment) InputIDs() []string {
	var ids []string
	for _, role := range e.Inputs {
		ids = append(ids, role...)
	}
	return ids
}

// OutputIDs returns every output artifact ID across all roles.
func (e *Experiment) OutputIDs() []string {
	var ids []string
	for _, role := range e.Outputs {
		ids = append(ids, role...)
	}
	return ids
}
