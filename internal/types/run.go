//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// Run is a resolved unit of work: one producer invocation over a dataset
// within time bounds, together with the artifacts it produced grouped by role.
type Run struct {
	ID              string              `json:"run_id"`
	DatasetID       string              `json:"dataset_id"`
	From            time.Time           `json:"from"`
	To              time.Time           `json:"to"`
	Strategy        string              `json:"strategy,omitempty"`
	Universe        []string            `json:"universe,omitempty"`
	Tags            []string            `json:"tags,omitempty"`
	ArtifactsByRole map[string][]string `json:"artifacts_by_role"`
	CreatedAt       time.Time           `json:"created_at"`
}

// ArtifactIDs returns every artifact ID the run produced, across all roles.
func (r *Run) ArtifactIDs() []string {
	var ids []string
	for _, role := range r.ArtifactsByRole {
		ids = append(ids, role...)
	}
	return ids
}
