package store

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/malbeck/quantreg/internal/schemas"
	"github.com/malbeck/quantreg/internal/types"
)

// Row is one record of an artifact's data file. Rows are serialized as NDJSON
// with map keys in sorted order, so identical row content always produces
// identical bytes and therefore an identical content hash.
type Row map[string]any

// WriteRequest describes one artifact to be written.
type WriteRequest struct {
	Type          types.ArtifactType
	LogicalKey    string
	SchemaVersion int
	Rows          []Row
	// Inputs records lineage edges to upstream artifacts.
	Inputs []types.LineageRef
	// Batch groups this write with others under one completion marker. When
	// nil, the write gets its own single-artifact batch, committed immediately.
	Batch *Batch
}

func (req *WriteRequest) validate() error {
	known := false
	for _, t := range types.KnownArtifactTypes {
		if req.Type == t {
			known = true
			break
		}
	}
	if !known {
		return &types.ValidationError{Field: "artifact_type", Msg: fmt.Sprintf("unknown type %q", req.Type)}
	}
	if err := ValidateLogicalKey(req.LogicalKey); err != nil {
		return err
	}
	if req.SchemaVersion < 1 {
		return &types.ValidationError{Field: "schema_version", Msg: "must be >= 1"}
	}
	return nil
}

// encodeRows renders rows as NDJSON. encoding/json sorts map keys, which
// keeps the encoding deterministic for hashing.
func encodeRows(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ArtifactID derives the content-addressed ID for an artifact: the sha256 of
// its type, logical key, schema version, and data bytes. The logical key is
// part of the identity so two partitions that happen to hold identical bytes
// stay distinct artifacts, each carrying its own lineage.
func ArtifactID(t types.ArtifactType, logicalKey string, schemaVersion int, data []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n", t, logicalKey, schemaVersion)
	h.Write(data)
	return "a-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Write persists a new immutable data file plus its sidecar manifest and
// returns the artifact. It does not update any index; the registry indexes
// committed batches. Writing content that already exists is a no-op returning
// the existing artifact.
func (s *Store) Write(ctx context.Context, req WriteRequest) (*types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	data, err := encodeRows(req.Rows)
	if err != nil {
		return nil, err
	}
	id := ArtifactID(req.Type, req.LogicalKey, req.SchemaVersion, data)

	// Content-addressed dedup: if a manifest for this ID already exists the
	// same (type, key, version, content) was written before and the bytes are
	// already durable; hand back the existing record.
	if existing, err := s.findArtifact(id); err != nil {
		return nil, err
	} else if existing != nil {
		if err := s.attach(req.Batch, existing.ID); err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := time.Now().UTC()
	dir := s.artifactDir(req.Type, now)
	dataPath := filepath.Join(dir, id+dataExt)

	// A data file without a manifest means a concurrent writer got here first
	// with the same content, or a previous write died before its manifest. A
	// size mismatch is a real conflict.
	if info, err := os.Stat(dataPath); err == nil {
		if info.Size() != int64(len(data)) {
			return nil, types.Conflictf(id, "existing data file has %d bytes, want %d", info.Size(), len(data))
		}
	} else if err := writeFileAtomic(dataPath, data); err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(s.root, dataPath)
	if err != nil {
		rel = dataPath
	}
	artifact := &types.Artifact{
		ID:            id,
		Type:          req.Type,
		LogicalKey:    req.LogicalKey,
		Status:        types.StatusActive,
		RowCount:      int64(len(req.Rows)),
		SchemaVersion: req.SchemaVersion,
		StoragePath:   rel,
		Inputs:        req.Inputs,
		CreatedAt:     now,
	}

	batch := req.Batch
	solo := batch == nil
	if solo {
		batch = s.NewBatch()
	}
	artifact.BatchID = batch.ID

	if err := schemas.ValidateManifest(schemas.KindArtifact, artifact); err != nil {
		return nil, types.Validationf("manifest rejected: %v", err)
	}
	if err := saveJSON(filepath.Join(dir, id+manifestExt), artifact); err != nil {
		return nil, err
	}
	if err := s.attach(batch, id); err != nil {
		return nil, err
	}
	if solo {
		if err := s.CommitBatch(ctx, batch); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

func (s *Store) attach(b *Batch, artifactID string) error {
	if b == nil {
		return nil
	}
	return b.add(artifactID)
}

// Read streams an artifact's rows back. A missing artifact returns (nil, nil).
func (s *Store) Read(ctx context.Context, artifactID string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	artifact, err := s.findArtifact(artifactID)
	if err != nil || artifact == nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, artifact.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open data file for %s: %w", artifactID, err)
	}
	defer f.Close()

	rows := []Row{} // non-nil even for zero-row artifacts; nil means not found
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("corrupt row in %s: %w", artifact.StoragePath, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read data file for %s: %w", artifactID, err)
	}
	return rows, nil
}

// ReadManifest returns the sidecar manifest for an artifact, or nil when the
// artifact does not exist.
func (s *Store) ReadManifest(ctx context.Context, artifactID string) (*types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.findArtifact(artifactID)
}

// SetStatus rewrites only the sidecar manifest with a new lifecycle status.
// The data file is never touched.
func (s *Store) SetStatus(ctx context.Context, artifactID string, status types.ArtifactStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, artifact, err := s.findArtifactPath(artifactID)
	if err != nil {
		return err
	}
	if artifact == nil {
		return types.Validationf("artifact %s not found", artifactID)
	}
	if artifact.Status == status {
		return nil
	}
	if artifact.Status == types.StatusTombstoned {
		return types.Conflictf(artifactID, "tombstoned artifacts cannot change status")
	}
	artifact.Status = status
	return saveJSON(path, artifact)
}

func (s *Store) findArtifact(artifactID string) (*types.Artifact, error) {
	_, artifact, err := s.findArtifactPath(artifactID)
	return artifact, err
}

// findArtifactPath walks the artifacts tree for the manifest of one ID. This
// is the slow path used by store-level operations; indexed lookups belong to
// the catalog.
func (s *Store) findArtifactPath(artifactID string) (string, *types.Artifact, error) {
	want := artifactID + manifestExt
	var found string
	err := filepath.WalkDir(s.ArtifactsRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == want {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	if found == "" {
		return "", nil, nil
	}
	var artifact types.Artifact
	if _, err := loadJSON(found, &artifact); err != nil {
		return "", nil, err
	}
	return found, &artifact, nil
}

// ScanArtifacts walks every sidecar manifest under the artifacts tree and
// calls fn for each. Order is the lexical walk order of the tree, which is
// stable across scans.
func (s *Store) ScanArtifacts(ctx context.Context, fn func(*types.Artifact) error) error {
	return filepath.WalkDir(s.ArtifactsRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), manifestExt) {
			return nil
		}
		var artifact types.Artifact
		if _, err := loadJSON(path, &artifact); err != nil {
			return err
		}
		return fn(&artifact)
	})
}
