package runset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/schemas"
	"github.com/malbeck/quantreg/internal/store"
	"github.com/malbeck/quantreg/internal/types"
)

// Resolver evaluates runset specs against the registry. Resolve and Freeze
// serialize per runset ID: two concurrent freezes of the same runset cannot
// both succeed.
type Resolver struct {
	st  *store.Store
	cat *catalog.Catalog

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a resolver over a store and catalog.
func New(st *store.Store, cat *catalog.Catalog) *Resolver {
	return &Resolver{st: st, cat: cat, locks: make(map[string]*sync.Mutex)}
}

func (r *Resolver) lock(runsetID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[runsetID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[runsetID] = l
	}
	return l
}

// Create registers a runset for the spec. Creation is an idempotent upsert:
// the same spec always yields the same runset ID and never a duplicate
// manifest.
func (r *Resolver) Create(ctx context.Context, spec types.RunSetSpec) (*types.RunSet, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	spec = Canonicalize(spec)
	id, err := SpecID(spec)
	if err != nil {
		return nil, err
	}
	rs := &types.RunSet{
		ID:        id,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	if err := schemas.ValidateManifest(schemas.KindRunSet, rs); err != nil {
		return nil, types.Validationf("runset manifest rejected: %v", err)
	}
	stored, err := r.st.SaveRunSet(ctx, rs)
	if err != nil {
		return nil, err
	}
	if err := r.cat.IndexRunSet(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Get returns a runset by ID, or nil when absent.
func (r *Resolver) Get(ctx context.Context, runsetID string) (*types.RunSet, error) {
	return r.st.LoadRunSet(ctx, runsetID)
}

// List returns every runset, newest first.
func (r *Resolver) List(ctx context.Context) ([]types.RunSet, error) {
	return r.cat.ListRunSets(ctx)
}

// History returns the full append-only resolution log of a runset.
func (r *Resolver) History(ctx context.Context, runsetID string) ([]types.Resolution, error) {
	return r.st.ListResolutions(ctx, runsetID)
}

// Resolve evaluates a runset against the registry. A frozen runset returns
// its pinned snapshot unchanged unless force is set; force resolves afresh
// and appends a new snapshot without touching the pin.
func (r *Resolver) Resolve(ctx context.Context, runsetID string, force bool) (*types.Resolution, error) {
	l := r.lock(runsetID)
	l.Lock()
	defer l.Unlock()
	return r.resolveLocked(ctx, runsetID, force)
}

func (r *Resolver) resolveLocked(ctx context.Context, runsetID string, force bool) (*types.Resolution, error) {
	rs, err := r.st.LoadRunSet(ctx, runsetID)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, nil
	}
	if rs.Frozen && !force {
		pinned, err := r.st.LoadResolution(ctx, runsetID, rs.FrozenSeq)
		if err != nil || pinned == nil {
			return pinned, err
		}
		pinned.Frozen = true
		return pinned, nil
	}

	runs, err := r.cat.MatchRuns(ctx, rs.Spec)
	if err != nil {
		return nil, err
	}
	runIDs := make([]string, 0, len(runs))
	byRole := make(map[string][]string)
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
		for role, ids := range run.ArtifactsByRole {
			byRole[role] = append(byRole[role], ids...)
		}
	}
	sort.Strings(runIDs)
	for role := range byRole {
		sort.Strings(byRole[role])
	}

	seq, err := r.st.NextResolutionSeq(ctx, runsetID)
	if err != nil {
		return nil, err
	}
	res := &types.Resolution{
		RunSetID:        runsetID,
		Seq:             seq,
		ResolvedAt:      time.Now().UTC(),
		RunIDs:          runIDs,
		ArtifactsByRole: byRole,
		Hash:            ResolutionHash(runIDs),
	}
	if err := schemas.ValidateManifest(schemas.KindResolution, res); err != nil {
		return nil, types.Validationf("resolution rejected: %v", err)
	}
	if err := r.st.AppendResolution(ctx, res); err != nil {
		return nil, err
	}
	if err := r.cat.IndexResolution(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Freeze pins the runset's latest resolution, resolving first if it has
// never been resolved. Freezing an already-frozen runset without force is a
// validation error; with force, the pin moves to the latest resolution.
// Whether an unfreeze should exist was left open by the source designs; here
// freezing is permanent, and a selection that must change gets a new spec
// and therefore a new runset ID.
func (r *Resolver) Freeze(ctx context.Context, runsetID string, force bool) (*types.Resolution, error) {
	l := r.lock(runsetID)
	l.Lock()
	defer l.Unlock()

	rs, err := r.st.LoadRunSet(ctx, runsetID)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, nil
	}
	if rs.Frozen && !force {
		return nil, types.Validationf("runset %s is already frozen (use force to re-pin)", runsetID)
	}

	latest, err := r.st.LatestResolution(ctx, runsetID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		latest, err = r.resolveLocked(ctx, runsetID, force)
		if err != nil {
			return nil, err
		}
	}

	if err := r.st.FreezeRunSet(ctx, rs, latest.Seq, force); err != nil {
		return nil, err
	}
	// Snapshot files are immutable; frozen-ness lives in the runset's pin and
	// is set on the returned copy and the catalog row only.
	latest.Frozen = true
	if err := r.cat.IndexRunSet(ctx, rs); err != nil {
		return nil, err
	}
	if err := r.cat.IndexResolution(ctx, latest); err != nil {
		return nil, err
	}
	return latest, nil
}
