//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// RunSetSpec is a declarative selection of runs. It is a closed struct: every
// filter is an explicit field, so two specs with the same field values always
// canonicalize to the same bytes and therefore the same runset ID.
type RunSetSpec struct {
	DatasetID  string    `json:"dataset_id" validate:"required"`
	From       time.Time `json:"from" validate:"required"`
	To         time.Time `json:"to" validate:"required,gtfield=From"`
	Universe   []string  `json:"universe,omitempty"`
	Strategies []string  `json:"strategies,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	// Latest restricts the selection to the newest run per (dataset, strategy,
	// bounds) group instead of every matching run.
	Latest bool `json:"latest,omitempty"`
}

// RunSet is a stored spec plus its freeze state. The ID is a deterministic
// hash of the canonicalized spec; creating the same spec twice yields the
// same RunSet.
type RunSet struct {
	ID   string     `json:"runset_id"`
	Spec RunSetSpec `json:"spec"`
	// Frozen pins the resolution at FrozenSeq; subsequent resolves return that
	// snapshot unless forced.
	Frozen    bool      `json:"frozen"`
	FrozenSeq int       `json:"frozen_seq,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is one point-in-time evaluation of a RunSet spec against the
// registry. Resolutions are append-only per RunSet: Seq increases, snapshots
// are never rewritten.
type Resolution struct {
	RunSetID        string              `json:"runset_id"`
	Seq             int                 `json:"seq"`
	ResolvedAt      time.Time           `json:"resolved_at"`
	RunIDs          []string            `json:"run_ids"`
	ArtifactsByRole map[string][]string `json:"artifact_ids_by_role"`
	Hash            string              `json:"resolution_hash"`
	Frozen          bool                `json:"frozen"`
}

// ArtifactIDs returns every artifact ID covered by the resolution.
func (r *Resolution) ArtifactIDs() []string {
	var ids []string
	for _, role := range r.ArtifactsByRole {
		ids = append(ids, role...)
	}
	return ids
}
