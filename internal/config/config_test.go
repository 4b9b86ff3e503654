package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"root": "/var/lib/quantreg",
		"list_limit": 25,
		"format": "json",
		"verbose": true
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/var/lib/quantreg", cfg.Root)
	assert.Equal(t, 25, cfg.ListLimit)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	content := `{ invalid json }`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)

	_, err = LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty config is valid", Config{}, false},
		{"valid format", Config{Format: "csv"}, false},
		{"unknown format", Config{Format: "yaml"}, true},
		{"negative list limit", Config{ListLimit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := Config{Format: "csv"}
	merged := cfg.MergeWithDefaults(Config{Root: "/data", Format: "table", ListLimit: 50})

	assert.Equal(t, "/data", merged.Root)
	assert.Equal(t, "csv", merged.Format, "explicit values win over defaults")
	assert.Equal(t, 50, merged.ListLimit)

	merged = cfg.MergeWithDefaults(Config{Verbose: true})
	assert.True(t, merged.Verbose, "verbose falls through from the defaults")
}

func TestResolveRoot(t *testing.T) {
	t.Setenv(EnvRoot, "/from-env")
	assert.Equal(t, "/explicit", ResolveRoot("/explicit", "/fallback"))
	assert.Equal(t, "/from-env", ResolveRoot("", "/fallback"))

	t.Setenv(EnvRoot, "")
	assert.Equal(t, "/fallback", ResolveRoot("", "/fallback"))
}
