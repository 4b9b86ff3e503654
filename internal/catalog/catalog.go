// Package catalog maintains a disposable SQLite index over the content
// store's manifests. The catalog never owns data: every table is a projection
// of sidecar manifests and can be reconstructed at any time with Rebuild.
// Corruption is never repaired in place; the fix is always a forced rebuild.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // embedded sqlite driver

	"github.com/malbeck/quantreg/internal/store"
)

const catalogFile = "catalog.db"

// tsLayout is fixed-width (always nine fractional digits, always UTC) so
// lexicographic order over stored timestamp columns matches chronological
// order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Catalog wraps the live SQLite index. The handle is swapped atomically by
// Rebuild; readers always see either the previous index or the new one,
// never a half-built state.
type Catalog struct {
	st  *store.Store
	dir string

	mu sync.RWMutex
	db *sql.DB
}

// Open attaches a catalog to a store, creating an empty index if none exists.
func Open(st *store.Store) (*Catalog, error) {
	dir := filepath.Join(st.Root(), "catalog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}
	c := &Catalog{st: st, dir: dir}
	db, err := openDB(c.path())
	if err != nil {
		return nil, err
	}
	c.db = db
	return c, nil
}

func (c *Catalog) path() string {
	return filepath.Join(c.dir, catalogFile)
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog db: %w", err)
	}
	// The catalog is single-process; one connection avoids sqlite write
	// contention entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	return db, nil
}

// Close releases the live handle.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// handle returns the live db under a read lock; callers run their queries
// inside fn so a concurrent swap cannot close the handle under them.
func (c *Catalog) withDB(fn func(db *sql.DB) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return fmt.Errorf("catalog is closed")
	}
	return fn(c.db)
}

// swap installs a freshly built index file over the live one. A failed swap
// reopens whatever file sits at the live path, so the previous catalog stays
// queryable.
func (c *Catalog) swap(builtPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("failed to close live catalog: %w", err)
		}
		c.db = nil
	}
	if err := os.Rename(builtPath, c.path()); err != nil {
		c.reopenLocked()
		return fmt.Errorf("failed to swap catalog: %w", err)
	}
	db, err := openDB(c.path())
	if err != nil {
		c.reopenLocked()
		return err
	}
	c.db = db
	return nil
}

// reopenLocked restores the live handle after a failed swap. Callers hold
// c.mu. A reopen failure leaves the catalog closed; the next rebuild is the
// recovery path.
func (c *Catalog) reopenLocked() {
	if db, err := openDB(c.path()); err == nil {
		c.db = db
	}
}

const ddl = `
CREATE TABLE IF NOT EXISTS artifacts (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	logical_key    TEXT NOT NULL,
	status         TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	raw            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_key ON artifacts(type, logical_key);
CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);

CREATE TABLE IF NOT EXISTS lineage (
	output_id TEXT NOT NULL,
	input_id  TEXT NOT NULL,
	role      TEXT NOT NULL,
	PRIMARY KEY (output_id, input_id, role)
);
CREATE INDEX IF NOT EXISTS idx_lineage_input ON lineage(input_id);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	from_ts    TEXT NOT NULL,
	to_ts      TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	raw        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset_id, from_ts, to_ts);

CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id      TEXT NOT NULL,
	role        TEXT NOT NULL,
	artifact_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_artifacts_run ON run_artifacts(run_id);

CREATE TABLE IF NOT EXISTS runsets (
	id         TEXT PRIMARY KEY,
	frozen     INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	raw        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resolutions (
	runset_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	hash      TEXT NOT NULL,
	frozen    INTEGER NOT NULL,
	raw       TEXT NOT NULL,
	PRIMARY KEY (runset_id, seq)
);

CREATE TABLE IF NOT EXISTS membership (
	runset_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	artifact_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_membership_artifact ON membership(artifact_id);

CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	raw        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_inputs (
	experiment_id TEXT NOT NULL,
	role          TEXT NOT NULL,
	artifact_id   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiment_inputs_artifact ON experiment_inputs(artifact_id);

CREATE TABLE IF NOT EXISTS experiment_outputs (
	experiment_id TEXT NOT NULL,
	role          TEXT NOT NULL,
	artifact_id   TEXT NOT NULL
);
`
