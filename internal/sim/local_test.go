package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeck/quantreg/internal/types"
)

func candle(mint, ts string, close float64) map[string]any {
	return map[string]any{"mint": mint, "ts": ts, "close": close}
}

func alert(mint, at string) map[string]any {
	return map[string]any{"mint": mint, "alerted_at": at}
}

func TestLocalEngineHappyPath(t *testing.T) {
	projection := Projection{RowsByRole: map[string][]map[string]any{
		RoleAlerts: {alert("mintA", "2025-10-01T12:00:00Z")},
		RoleOHLCV: {
			candle("mintA", "2025-10-01T12:00:00Z", 1.0),
			candle("mintA", "2025-10-01T12:30:00Z", 1.2),
			candle("mintA", "2025-10-01T13:00:00Z", 1.5),
			candle("mintA", "2025-10-01T14:00:00Z", 2.0), // past the hold horizon
		},
	}}

	result, err := LocalEngine{}.Simulate(context.Background(), projection, types.ExperimentConfig{Strategy: "hold"})
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	trade := result.Trades[0]
	assert.Equal(t, "mintA", trade.Mint)
	assert.Equal(t, 1.0, trade.EntryPrice)
	assert.Equal(t, 1.5, trade.ExitPrice, "exit is the last candle within the default 60m hold")
	assert.InDelta(t, 50.0, trade.PnLPct, 1e-9)

	assert.Equal(t, 1.0, result.Metrics["trade_count"])
	assert.Equal(t, 1.0, result.Metrics["win_rate"])
	assert.InDelta(t, 50.0, result.Metrics["total_pnl_pct"], 1e-9)
	assert.Empty(t, result.Events)
}

func TestLocalEngineHoldParam(t *testing.T) {
	projection := Projection{RowsByRole: map[string][]map[string]any{
		RoleAlerts: {alert("mintA", "2025-10-01T12:00:00Z")},
		RoleOHLCV: {
			candle("mintA", "2025-10-01T12:00:00Z", 1.0),
			candle("mintA", "2025-10-01T12:10:00Z", 1.1),
			candle("mintA", "2025-10-01T12:30:00Z", 1.4),
		},
	}}
	config := types.ExperimentConfig{Strategy: "hold", Params: map[string]float64{"hold_minutes": 15}}

	result, err := LocalEngine{}.Simulate(context.Background(), projection, config)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, 1.1, result.Trades[0].ExitPrice)
}

func TestLocalEngineRejectsBadHold(t *testing.T) {
	config := types.ExperimentConfig{Strategy: "hold", Params: map[string]float64{"hold_minutes": -5}}
	_, err := LocalEngine{}.Simulate(context.Background(), Projection{}, config)
	assert.Error(t, err)
}

func TestLocalEngineNoCandles(t *testing.T) {
	projection := Projection{RowsByRole: map[string][]map[string]any{
		RoleAlerts: {alert("mintA", "2025-10-01T12:00:00Z")},
	}}

	result, err := LocalEngine{}.Simulate(context.Background(), projection, types.ExperimentConfig{Strategy: "hold"})
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "no_candles", result.Events[0].Kind)
	assert.Equal(t, 0.0, result.Metrics["trade_count"])
}

func TestLocalEngineBadPrice(t *testing.T) {
	projection := Projection{RowsByRole: map[string][]map[string]any{
		RoleAlerts: {alert("mintA", "2025-10-01T12:00:00Z")},
		RoleOHLCV:  {candle("mintA", "2025-10-01T12:00:00Z", 0)},
	}}

	result, err := LocalEngine{}.Simulate(context.Background(), projection, types.ExperimentConfig{Strategy: "hold"})
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "bad_price", result.Events[0].Kind)
}

func TestLocalEngineDeterministic(t *testing.T) {
	projection := Projection{RowsByRole: map[string][]map[string]any{
		RoleAlerts: {
			alert("mintB", "2025-10-01T12:01:00Z"),
			alert("mintA", "2025-10-01T12:00:00Z"),
		},
		RoleOHLCV: {
			candle("mintA", "2025-10-01T12:00:00Z", 1.0),
			candle("mintA", "2025-10-01T12:30:00Z", 1.1),
			candle("mintB", "2025-10-01T12:05:00Z", 2.0),
			candle("mintB", "2025-10-01T12:45:00Z", 1.8),
		},
	}}
	config := types.ExperimentConfig{Strategy: "hold"}

	first, err := LocalEngine{}.Simulate(context.Background(), projection, config)
	require.NoError(t, err)
	second, err := LocalEngine{}.Simulate(context.Background(), projection, config)
	require.NoError(t, err)

	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Metrics, second.Metrics)

	// Alerts are processed in time order regardless of input order.
	require.Len(t, first.Trades, 2)
	assert.Equal(t, "mintA", first.Trades[0].Mint)
	assert.Equal(t, "mintB", first.Trades[1].Mint)
}

func TestEngineFunc(t *testing.T) {
	called := false
	engine := EngineFunc(func(context.Context, Projection, types.ExperimentConfig) (*Result, error) {
		called = true
		return &Result{}, nil
	})
	_, err := engine.Simulate(context.Background(), Projection{}, types.ExperimentConfig{})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestParseTimeAcceptsTimeValues(t *testing.T) {
	at := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	parsed, ok := parseTime(at)
	require.True(t, ok)
	assert.True(t, parsed.Equal(at))

	_, ok = parseTime(42)
	assert.False(t, ok)
}
