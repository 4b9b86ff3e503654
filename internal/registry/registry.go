// Package registry layers the artifact registry API over the content store
// and the catalog. Read paths query the catalog; write paths go to the store
// first and then refresh the catalog, so the store is always the truth and
// the catalog is always behind it, never ahead.
package registry

import (
	"context"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/schemas"
	"github.com/malbeck/quantreg/internal/store"
	"github.com/malbeck/quantreg/internal/types"
)

// Registry is the artifact registry API.
type Registry struct {
	st  *store.Store
	cat *catalog.Catalog
}

// New builds a registry over a store and its catalog.
func New(st *store.Store, cat *catalog.Catalog) *Registry {
	return &Registry{st: st, cat: cat}
}

// Store exposes the underlying content store for producers that stream rows.
func (r *Registry) Store() *store.Store { return r.st }

// Catalog exposes the query index.
func (r *Registry) Catalog() *catalog.Catalog { return r.cat }

// NewBatch opens a write batch. Artifacts written under it stay invisible to
// every read path until CommitBatch.
func (r *Registry) NewBatch() *store.Batch { return r.st.NewBatch() }

// WriteArtifact writes one artifact. With a batch in the request the caller
// controls visibility via CommitBatch; without one the artifact is committed
// and indexed immediately.
func (r *Registry) WriteArtifact(ctx context.Context, req store.WriteRequest) (*types.Artifact, error) {
	solo := req.Batch == nil
	if solo {
		req.Batch = r.st.NewBatch()
	}
	artifact, err := r.st.Write(ctx, req)
	if err != nil {
		return nil, err
	}
	if solo {
		if err := r.CommitBatch(ctx, req.Batch); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

// CommitBatch writes the batch's completion marker, indexes its artifacts,
// and supersedes any older active versions under the same logical keys.
func (r *Registry) CommitBatch(ctx context.Context, b *store.Batch) error {
	if err := r.st.CommitBatch(ctx, b); err != nil {
		return err
	}
	if err := r.cat.IndexBatch(ctx, b.ID); err != nil {
		return err
	}
	return r.supersedeOlderVersions(ctx, b.ArtifactIDs())
}

// supersedeOlderVersions marks prior active artifacts under each new
// artifact's logical key as superseded. A new version under the same key is a
// new artifact; the old one is never mutated beyond its status field.
func (r *Registry) supersedeOlderVersions(ctx context.Context, newIDs []string) error {
	for _, id := range newIDs {
		current, err := r.cat.GetArtifact(ctx, id)
		if err != nil {
			return err
		}
		if current == nil || current.Status != types.StatusActive {
			continue
		}
		active, err := r.cat.ActiveByKey(ctx, current.Type, current.LogicalKey)
		if err != nil {
			return err
		}
		for _, old := range active {
			if old.ID == current.ID || old.CreatedAt.After(current.CreatedAt) {
				continue
			}
			if err := r.st.SetStatus(ctx, old.ID, types.StatusSuperseded); err != nil {
				return err
			}
			refreshed, err := r.st.ReadManifest(ctx, old.ID)
			if err != nil {
				return err
			}
			if refreshed != nil {
				if err := r.cat.ReindexArtifact(ctx, refreshed); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RegisterRun validates and persists a run manifest, then indexes it.
func (r *Registry) RegisterRun(ctx context.Context, run *types.Run) error {
	if err := schemas.ValidateManifest(schemas.KindRun, run); err != nil {
		return types.Validationf("run manifest rejected: %v", err)
	}
	if err := r.st.SaveRun(ctx, run); err != nil {
		return err
	}
	return r.cat.IndexRun(ctx, run)
}

// List returns artifacts with optional type/status filters, newest first.
func (r *Registry) List(ctx context.Context, filters catalog.ArtifactFilters) ([]types.Artifact, error) {
	return r.cat.ListArtifacts(ctx, filters)
}

// Get returns one artifact or nil; absence is a normal empty result.
func (r *Registry) Get(ctx context.Context, artifactID string) (*types.Artifact, error) {
	return r.cat.GetArtifact(ctx, artifactID)
}

// Find returns every version under a (type, logical key), most recent first.
func (r *Registry) Find(ctx context.Context, t types.ArtifactType, logicalKey string) ([]types.Artifact, error) {
	if err := store.ValidateLogicalKey(logicalKey); err != nil {
		return nil, err
	}
	return r.cat.FindByKey(ctx, t, logicalKey)
}

// Lineage returns one hop of upstream lineage.
func (r *Registry) Lineage(ctx context.Context, artifactID string) ([]types.LineageInput, error) {
	return r.cat.LineageInputs(ctx, artifactID)
}

// Downstream returns the consumers of an artifact, one hop or transitive.
// This is the "what depends on this?" check run before any deletion.
func (r *Registry) Downstream(ctx context.Context, artifactID string, transitive bool) ([]types.Artifact, error) {
	return r.cat.Downstream(ctx, artifactID, transitive)
}

// Tombstone retires an artifact. Allowed only when nothing consumes it and
// no runset resolution, frozen or not, references it.
func (r *Registry) Tombstone(ctx context.Context, artifactID string) error {
	artifact, err := r.cat.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if artifact == nil {
		return types.Validationf("artifact %s not found", artifactID)
	}
	consumers, err := r.cat.Downstream(ctx, artifactID, false)
	if err != nil {
		return err
	}
	if len(consumers) > 0 {
		return types.Conflictf(artifactID, "%d downstream consumers exist", len(consumers))
	}
	refs, err := r.cat.ResolutionRefCount(ctx, artifactID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return types.Conflictf(artifactID, "referenced by %d runset resolutions", refs)
	}
	if err := r.st.SetStatus(ctx, artifactID, types.StatusTombstoned); err != nil {
		return err
	}
	refreshed, err := r.st.ReadManifest(ctx, artifactID)
	if err != nil {
		return err
	}
	if refreshed != nil {
		return r.cat.ReindexArtifact(ctx, refreshed)
	}
	return nil
}
