// Package runset implements declarative run selections: deterministic spec
// hashing, idempotent creation, point-in-time resolution against the
// registry, and the exploration/frozen duality. Exploration resolutions see
// newly ingested data immediately; a frozen runset always returns its pinned
// snapshot so a citation keeps resolving to the same artifact set.
package runset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/malbeck/quantreg/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Canonicalize returns a normalized copy of a spec: UTC second-precision
// bounds, sorted and deduplicated filter slices. Two specs that select the
// same thing canonicalize to identical values.
func Canonicalize(spec types.RunSetSpec) types.RunSetSpec {
	spec.From = spec.From.UTC().Truncate(time.Second)
	spec.To = spec.To.UTC().Truncate(time.Second)
	spec.Universe = sortedUnique(spec.Universe)
	spec.Strategies = sortedUnique(spec.Strategies)
	spec.Tags = sortedUnique(spec.Tags)
	return spec
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}

// CanonicalJSON renders the canonicalized spec with a fixed field order.
// The encoding is the hash input, so it must stay stable across releases.
func CanonicalJSON(spec types.RunSetSpec) ([]byte, error) {
	data, err := json.Marshal(Canonicalize(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize spec: %w", err)
	}
	return data, nil
}

// SpecID derives the deterministic runset ID from a spec. Identical specs
// always yield the identical ID.
func SpecID(spec types.RunSetSpec) (string, error) {
	data, err := CanonicalJSON(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "rs-" + hex.EncodeToString(sum[:])[:16], nil
}

// ValidateSpec checks the spec's required fields.
func ValidateSpec(spec types.RunSetSpec) error {
	if err := validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &types.ValidationError{
				Field: strings.ToLower(fe.Field()),
				Msg:   fmt.Sprintf("failed %q constraint", fe.Tag()),
			}
		}
		return types.Validationf("invalid runset spec: %v", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// ResolutionHash derives the stable hash of a resolved run set: the sha256
// over the sorted run IDs.
func ResolutionHash(runIDs []string) string {
	sorted := make([]string, len(runIDs))
	copy(sorted, runIDs)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		fmt.Fprintf(h, "%s\n", id)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
