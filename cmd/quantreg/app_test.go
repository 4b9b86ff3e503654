package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeck/quantreg/internal/config"
)

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("from", "2025-10-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 1, 12, 30, 0, 0, time.UTC), got)

	got, err = parseTimeFlag("from", "2025-10-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseTimeFlag("from", "")
	assert.Error(t, err)

	_, err = parseTimeFlag("from", "october first")
	assert.Error(t, err)
}

func TestSplitParam(t *testing.T) {
	name, value, err := splitParam("hold_minutes=30")
	require.NoError(t, err)
	assert.Equal(t, "hold_minutes", name)
	assert.Equal(t, 30.0, value)

	name, value, err = splitParam("threshold=0.25")
	require.NoError(t, err)
	assert.Equal(t, "threshold", name)
	assert.Equal(t, 0.25, value)

	_, _, err = splitParam("noequals")
	assert.Error(t, err)

	_, _, err = splitParam("x=notanumber")
	assert.Error(t, err)
}

func TestListLimit(t *testing.T) {
	a := &app{cfg: config.Config{ListLimit: 10}}
	assert.Equal(t, 5, a.listLimit(5), "the per-command flag wins")
	assert.Equal(t, 10, a.listLimit(0), "the configured default fills in")

	bare := &app{}
	assert.Equal(t, 0, bare.listLimit(0), "zero falls through to the catalog default")
}

func TestExperimentInputsFromFlags(t *testing.T) {
	inputs, err := experimentInputsFromFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)

	inputs, err = experimentInputsFromFlags([]string{
		"alerts=a-11111111111111111111111111111111",
		"ohlcv=a-22222222222222222222222222222222",
		"ohlcv=a-33333333333333333333333333333333",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"alerts": {"a-11111111111111111111111111111111"},
		"ohlcv":  {"a-22222222222222222222222222222222", "a-33333333333333333333333333333333"},
	}, inputs)

	_, err = experimentInputsFromFlags([]string{"a-11111111111111111111111111111111"})
	assert.Error(t, err, "a bare artifact ID without a role is rejected")

	_, err = experimentInputsFromFlags([]string{"alerts="})
	assert.Error(t, err)
}

func TestExperimentConfigFromFlags(t *testing.T) {
	experimentsCreateStrategy = "hold"
	experimentsCreateParams = []string{"hold_minutes=15", "threshold=2"}
	experimentsCreateConfigFile = ""
	t.Cleanup(func() {
		experimentsCreateStrategy = ""
		experimentsCreateParams = nil
	})

	cfg, err := experimentConfigFromFlags()
	require.NoError(t, err)
	assert.Equal(t, "hold", cfg.Strategy)
	assert.Equal(t, 15.0, cfg.Params["hold_minutes"])
	assert.Equal(t, 2.0, cfg.Params["threshold"])
}
