package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/malbeck/quantreg/internal/types"
)

// Role names the local engine understands in a projection.
const (
	RoleAlerts = "alerts"
	RoleOHLCV  = "ohlcv"
)

// LocalEngine is a small deterministic engine: for each alert it enters at
// the first candle close at or after the alert and exits after the
// configured hold horizon (param "hold_minutes", default 60). It exists so
// experiments run end-to-end without the external engine; it is not a
// research-grade simulator.
type LocalEngine struct{}

// Simulate implements Engine.
func (LocalEngine) Simulate(_ context.Context, projection Projection, config types.ExperimentConfig) (*Result, error) {
	holdMinutes := 60.0
	if v, ok := config.Params["hold_minutes"]; ok {
		if v <= 0 {
			return nil, fmt.Errorf("hold_minutes must be positive, got %v", v)
		}
		holdMinutes = v
	}
	hold := time.Duration(holdMinutes * float64(time.Minute))

	candlesByMint := groupCandles(projection.RowsByRole[RoleOHLCV])
	alerts := sortedAlerts(projection.RowsByRole[RoleAlerts])

	result := &Result{Metrics: map[string]float64{}}
	wins := 0
	totalPnL := 0.0
	for _, alert := range alerts {
		candles := candlesByMint[alert.mint]
		entry, exit, ok := findWindow(candles, alert.at, hold)
		if !ok {
			result.Events = append(result.Events, Event{
				Time:   alert.at,
				Kind:   "no_candles",
				Detail: fmt.Sprintf("no ohlcv coverage for %s", alert.mint),
			})
			continue
		}
		if entry.close <= 0 {
			result.Events = append(result.Events, Event{
				Time:   alert.at,
				Kind:   "bad_price",
				Detail: fmt.Sprintf("non-positive entry close for %s", alert.mint),
			})
			continue
		}
		pnl := (exit.close - entry.close) / entry.close * 100
		result.Trades = append(result.Trades, Trade{
			Mint:       alert.mint,
			EntryTime:  entry.at,
			ExitTime:   exit.at,
			EntryPrice: entry.close,
			ExitPrice:  exit.close,
			PnLPct:     pnl,
		})
		totalPnL += pnl
		if pnl > 0 {
			wins++
		}
	}

	result.Metrics["trade_count"] = float64(len(result.Trades))
	result.Metrics["total_pnl_pct"] = totalPnL
	if len(result.Trades) > 0 {
		result.Metrics["win_rate"] = float64(wins) / float64(len(result.Trades))
		result.Metrics["avg_pnl_pct"] = totalPnL / float64(len(result.Trades))
	}
	return result, nil
}

type alertRow struct {
	mint string
	at   time.Time
}

type candleRow struct {
	at    time.Time
	close float64
}

func sortedAlerts(rows []map[string]any) []alertRow {
	out := make([]alertRow, 0, len(rows))
	for _, row := range rows {
		mint, _ := row["mint"].(string)
		at, ok := parseTime(row["alerted_at"])
		if mint == "" || !ok {
			continue
		}
		out = append(out, alertRow{mint: mint, at: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].mint < out[j].mint
	})
	return out
}

func groupCandles(rows []map[string]any) map[string][]candleRow {
	out := make(map[string][]candleRow)
	for _, row := range rows {
		mint, _ := row["mint"].(string)
		at, ok := parseTime(row["ts"])
		if mint == "" || !ok {
			continue
		}
		closePrice, ok := toFloat(row["close"])
		if !ok {
			continue
		}
		out[mint] = append(out[mint], candleRow{at: at, close: closePrice})
	}
	for mint := range out {
		candles := out[mint]
		sort.Slice(candles, func(i, j int) bool { return candles[i].at.Before(candles[j].at) })
		out[mint] = candles
	}
	return out
}

// findWindow locates the entry candle (first at or after the alert) and the
// exit candle (last within the hold horizon).
func findWindow(candles []candleRow, alertAt time.Time, hold time.Duration) (entry, exit candleRow, ok bool) {
	deadline := alertAt.Add(hold)
	entryIdx := -1
	exitIdx := -1
	for i, c := range candles {
		if c.at.Before(alertAt) {
			continue
		}
		if c.at.After(deadline) {
			break
		}
		if entryIdx < 0 {
			entryIdx = i
		}
		exitIdx = i
	}
	if entryIdx < 0 {
		return candleRow{}, candleRow{}, false
	}
	return candles[entryIdx], candles[exitIdx], true
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	case time.Time:
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
