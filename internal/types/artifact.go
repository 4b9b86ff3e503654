// Package types provides type definitions for structured data used throughout the quantreg system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// ArtifactType tags the kind of an artifact; each type has its own row schema
// and manifest schema version.
type ArtifactType string

const (
	ArtifactAlerts            ArtifactType = "alerts"
	ArtifactOHLCVSlice        ArtifactType = "ohlcv_slice"
	ArtifactExperimentTrades  ArtifactType = "experiment_trades"
	ArtifactExperimentMetrics ArtifactType = "experiment_metrics"
	ArtifactExperimentEvents  ArtifactType = "experiment_events"
)

// KnownArtifactTypes lists every artifact type the registry accepts.
var KnownArtifactTypes = []ArtifactType{
	ArtifactAlerts,
	ArtifactOHLCVSlice,
	ArtifactExperimentTrades,
	ArtifactExperimentMetrics,
	ArtifactExperimentEvents,
}

// ArtifactStatus is the lifecycle state of an artifact.
type ArtifactStatus string

const (
	// StatusActive means the artifact is the current version under its logical key.
	StatusActive ArtifactStatus = "active"
	// StatusSuperseded means a newer artifact exists under the same logical key.
	StatusSuperseded ArtifactStatus = "superseded"
	// StatusTombstoned means the artifact has been retired and may be garbage collected.
	StatusTombstoned ArtifactStatus = "tombstoned"
)

// LineageRef names one upstream input of an artifact. Role distinguishes
// multiple inputs of the same type (e.g., "alerts" vs "ohlcv").
type LineageRef struct {
	ArtifactID string `json:"artifact_id"`
	Role       string `json:"role"`
}

// Artifact is the sidecar manifest for one immutable data file. The data file
// content never changes after creation; only Status (and lineage pointers from
// later artifacts to this one) change post-creation.
type Artifact struct {
	ID            string         `json:"artifact_id"`
	Type          ArtifactType   `json:"artifact_type"`
	LogicalKey    string         `json:"logical_key"`
	Status        ArtifactStatus `json:"status"`
	RowCount      int64          `json:"row_count"`
	SchemaVersion int            `json:"schema_version"`
	StoragePath   string         `json:"storage_path"`
	BatchID       string         `json:"batch_id"`
	Inputs        []LineageRef   `json:"inputs,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LineageInput is one hop of upstream lineage as returned by the registry,
// annotated with the input artifact's type.
type LineageInput struct {
	ArtifactID string       `json:"artifact_id"`
	Type       ArtifactType `json:"artifact_type"`
	Role       string       `json:"role"`
}
