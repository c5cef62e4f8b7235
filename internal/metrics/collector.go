// Package metrics derives performance statistics from the ledger and
// publishes them on the bus for governance and allocation decisions.
package metrics

import (
	"context"
	"errors"
	"math"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/logging"
)

// Store is the ledger surface the collector reads
type Store interface {
	TotalEquitySeries(ctx context.Context, since time.Time) ([]float64, error)
	RealizedPnLByStrategy(ctx context.Context) (map[string]float64, error)
	RejectCountSince(ctx context.Context, since time.Time) (map[string]int, error)
}

// ModelScoreSource supplies the active and canary model scores when a
// canary rollout is in progress
type ModelScoreSource interface {
	ModelScores() (active, canary float64, canaryVersion string, ok bool)
}

// Config controls the collection cadence and lookback
type Config struct {
	IntervalSeconds int `json:"interval_seconds"`
	WindowMinutes   int `json:"window_minutes"`
}

// DefaultConfig samples every 30s over a 4h trailing window
func DefaultConfig() Config {
	return Config{
		IntervalSeconds: 30,
		WindowMinutes:   240,
	}
}

// Report is one computed metrics sample
type Report struct {
	TotalEquity    float64            `json:"total_equity"`
	Sharpe         float64            `json:"sharpe"`
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	StrategyScores map[string]float64 `json:"strategy_scores"`
	RejectCounts   map[string]int     `json:"reject_counts"`
	ComputedAt     time.Time          `json:"computed_at"`
}

// Collector periodically computes a Report and publishes metrics.update
type Collector struct {
	config Config
	store  Store
	models ModelScoreSource
	bus    *events.Bus
	log    *logging.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewCollector creates the collector. models may be nil when no canary
// rollout machinery is wired.
func NewCollector(config Config, store Store, models ModelScoreSource, bus *events.Bus) *Collector {
	return &Collector{
		config: config,
		store:  store,
		models: models,
		bus:    bus,
		log:    logging.WithComponent("metrics"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Collect computes one report from the trailing window
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	since := time.Now().Add(-time.Duration(c.config.WindowMinutes) * time.Minute)

	series, err := c.store.TotalEquitySeries(ctx, since)
	if err != nil {
		return nil, err
	}
	pnl, err := c.store.RealizedPnLByStrategy(ctx)
	if err != nil {
		return nil, err
	}
	rejects, err := c.store.RejectCountSince(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &Report{
		StrategyScores: scoreStrategies(pnl),
		RejectCounts:   rejects,
		ComputedAt:     time.Now().UTC(),
	}
	if len(series) > 0 {
		report.TotalEquity = series[len(series)-1]
		report.Sharpe = sharpe(series)
		report.MaxDrawdownPct = maxDrawdownPct(series)
	}
	return report, nil
}

// Publish pushes a report onto the bus, attaching canary model scores
// when a rollout is active
func (c *Collector) Publish(report *Report) {
	data := map[string]interface{}{
		"total_equity":     report.TotalEquity,
		"sharpe":           report.Sharpe,
		"max_drawdown_pct": report.MaxDrawdownPct,
		"strategy_scores":  report.StrategyScores,
		"reject_counts":    report.RejectCounts,
	}
	if c.models != nil {
		if active, canary, version, ok := c.models.ModelScores(); ok {
			data["active_score"] = active
			data["canary_score"] = canary
			data["canary_version"] = version
		}
	}
	c.bus.PublishMetricsUpdate(data)
}

// Start runs the collect/publish loop until Stop
func (c *Collector) Start(ctx context.Context) {
	interval := time.Duration(c.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := c.Collect(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						c.log.Error("Metrics collection failed", "error", err)
					}
					continue
				}
				c.Publish(report)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the collection loop
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

// sharpe computes the annualization-free Sharpe ratio of the per-sample
// returns in an equity series. Zero when variance is zero.
func sharpe(series []float64) float64 {
	returns := toReturns(series)
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(float64(len(returns)))
}

// maxDrawdownPct computes the worst peak-to-trough decline as a positive
// percentage
func maxDrawdownPct(series []float64) float64 {
	var peak, worst float64
	for _, v := range series {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func toReturns(series []float64) []float64 {
	var returns []float64
	for i := 1; i < len(series); i++ {
		if series[i-1] != 0 {
			returns = append(returns, (series[i]-series[i-1])/series[i-1])
		}
	}
	return returns
}

// scoreStrategies maps realized PnL to a score in [-1, 1] relative to the
// largest absolute PnL in the set
func scoreStrategies(pnl map[string]float64) map[string]float64 {
	var scale float64
	for _, v := range pnl {
		if a := math.Abs(v); a > scale {
			scale = a
		}
	}

	scores := make(map[string]float64, len(pnl))
	for s, v := range pnl {
		if scale == 0 {
			scores[s] = 0
		} else {
			scores[s] = v / scale
		}
	}
	return scores
}
