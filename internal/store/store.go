// Package store implements the content store: immutable artifact data files,
// one sidecar manifest per artifact, batch completion markers, and the
// registry area holding run / runset / resolution / experiment manifests.
//
// The store is the single source of truth. It maintains no index of its own;
// the catalog package builds a disposable query index over it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/malbeck/quantreg/internal/types"
)

const (
	artifactsDir   = "artifacts"
	batchesDir     = "batches"
	registryDir    = "registry"
	runsDir        = "runs"
	runsetsDir     = "runsets"
	resolutionsDir = "resolutions"
	experimentsDir = "experiments"

	dataExt     = ".ndjson"
	manifestExt = ".manifest.json"
)

// Store provides access to a content-store root directory.
type Store struct {
	root string
}

// Open prepares a store rooted at the given directory, creating the layout
// if it does not exist yet.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, types.Validationf("store root is empty")
	}
	dirs := []string{
		filepath.Join(root, artifactsDir),
		filepath.Join(root, batchesDir),
		filepath.Join(root, registryDir, runsDir),
		filepath.Join(root, registryDir, runsetsDir),
		filepath.Join(root, registryDir, resolutionsDir),
		filepath.Join(root, registryDir, experimentsDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store layout: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// ArtifactsRoot returns the directory holding artifact data files and
// manifests, partitioned by type and month bucket.
func (s *Store) ArtifactsRoot() string { return filepath.Join(s.root, artifactsDir) }

// artifactDir returns the partition directory for a type and creation time.
func (s *Store) artifactDir(t types.ArtifactType, created time.Time) string {
	return filepath.Join(s.root, artifactsDir, string(t), created.UTC().Format("2006-01"))
}

func (s *Store) batchPath(batchID string) string {
	return filepath.Join(s.root, batchesDir, batchID+".json")
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.root, registryDir, runsDir, runID+".json")
}

func (s *Store) runsetPath(runsetID string) string {
	return filepath.Join(s.root, registryDir, runsetsDir, runsetID+".json")
}

func (s *Store) runsetFrozenPath(runsetID string) string {
	return filepath.Join(s.root, registryDir, runsetsDir, runsetID+".frozen")
}

func (s *Store) resolutionDir(runsetID string) string {
	return filepath.Join(s.root, registryDir, resolutionsDir, runsetID)
}

func (s *Store) resolutionPath(runsetID string, seq int) string {
	return filepath.Join(s.resolutionDir(runsetID), fmt.Sprintf("%06d.json", seq))
}

func (s *Store) experimentPath(experimentID string) string {
	return filepath.Join(s.root, registryDir, experimentsDir, experimentID+".json")
}

// writeFileAtomic writes data to path via a temp file in the same directory,
// fsyncs it, then renames it into place. Partially written files are never
// visible under their final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// saveJSON marshals v and writes it atomically to path.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// loadJSON reads path into v. A missing file is not an error: the bool result
// reports whether the file existed.
func loadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// ValidateLogicalKey checks the key=value(/key=value)* partition-descriptor
// shape, e.g. "day=2025-10-01/chain=sol".
func ValidateLogicalKey(key string) error {
	if key == "" {
		return &types.ValidationError{Field: "logical_key", Msg: "must not be empty"}
	}
	for _, seg := range strings.Split(key, "/") {
		name, _, ok := strings.Cut(seg, "=")
		if !ok || name == "" {
			return &types.ValidationError{
				Field: "logical_key",
				Msg:   fmt.Sprintf("segment %q is not key=value", seg),
			}
		}
	}
	return nil
}
