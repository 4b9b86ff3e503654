package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Root() != root {
		t.Errorf("Root() = %q, want %q", s.Root(), root)
	}
	for _, dir := range []string{
		"artifacts",
		"batches",
		"registry/runs",
		"registry/runsets",
		"registry/resolutions",
		"registry/experiments",
	} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s after Open", dir)
		}
	}
}

func TestOpenEmptyRoot(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open with empty root should fail")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := writeFileAtomic(path, []byte("hello")); err != nil {
		t.Fatalf("writeFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("read back %q, want %q", data, "hello")
	}

	// Overwrite goes through the same rename path.
	if err := writeFileAtomic(path, []byte("world")); err != nil {
		t.Fatalf("writeFileAtomic overwrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("read back %q after overwrite, want %q", data, "world")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the final file in %s, found %d entries", filepath.Dir(path), len(entries))
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	var v map[string]any
	found, err := loadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err != nil {
		t.Fatalf("loadJSON on missing file: %v", err)
	}
	if found {
		t.Error("loadJSON should report found=false for a missing file")
	}
}

func TestValidateLogicalKey(t *testing.T) {
	valid := []string{
		"day=2025-10-01",
		"day=2025-10-01/chain=sol",
		"mint=abc/interval=1m/day=2025-10-01",
	}
	for _, key := range valid {
		if err := ValidateLogicalKey(key); err != nil {
			t.Errorf("ValidateLogicalKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{
		"",
		"noequals",
		"day=2025-10-01/bare",
		"=value",
		"a=b//c=d",
	}
	for _, key := range invalid {
		if err := ValidateLogicalKey(key); err == nil {
			t.Errorf("ValidateLogicalKey(%q) = nil, want error", key)
		}
	}
}
