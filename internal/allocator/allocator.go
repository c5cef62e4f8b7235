// Package allocator assigns per-strategy capital budgets. Budgets move in
// bounded steps from performance scores and are scaled down so their sum
// never exceeds ledger-confirmed equity minus the reserve.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
)

var (
	ErrNoStrategies = errors.New("allocator configured with no strategies")
	ErrNoEquity     = errors.New("no ledger-confirmed equity available")
)

// Config controls allocation behavior
type Config struct {
	Strategies      []string `json:"strategies"`
	InitialBudget   float64  `json:"initial_budget"`    // starting budget per strategy
	MaxStepPct      float64  `json:"max_step_pct"`      // max fractional change per cycle
	FloorPct        float64  `json:"floor_pct"`         // min budget as fraction of equity
	CapPct          float64  `json:"cap_pct"`           // max budget as fraction of equity
	ReservePct      float64  `json:"reserve_pct"`       // equity fraction never allocated
	IntervalSeconds int      `json:"interval_seconds"`
}

// DefaultConfig returns conservative allocation parameters
func DefaultConfig() Config {
	return Config{
		InitialBudget:   10000,
		MaxStepPct:      0.10,
		FloorPct:        0.01,
		CapPct:          0.40,
		ReservePct:      0.20,
		IntervalSeconds: 60,
	}
}

// Store is the ledger surface the allocator needs
type Store interface {
	SaveAllocations(ctx context.Context, allocations []*ledger.CapitalAllocation) error
	LatestTotalEquity(ctx context.Context) (float64, error)
	RealizedPnLByStrategy(ctx context.Context) (map[string]float64, error)
}

// Snapshot is an immutable allocation state. Readers hold the pointer they
// loaded; a rebalance swaps in a fresh snapshot and never mutates an old one.
type Snapshot struct {
	Version    int64
	Equity     float64
	Reserve    float64
	Budgets    map[string]float64
	ComputedAt time.Time
}

// Allocator computes and publishes capital allocation snapshots
type Allocator struct {
	config Config
	store  Store
	bus    *events.Bus
	log    *logging.Logger

	snap atomic.Pointer[Snapshot]

	mu         sync.Mutex
	scores     map[string]float64 // trailing performance score per strategy
	reductions map[string]float64 // pending exposure reduction factors

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates the allocator with an initial equal-budget snapshot
func New(config Config, store Store, bus *events.Bus) (*Allocator, error) {
	if len(config.Strategies) == 0 {
		return nil, ErrNoStrategies
	}

	a := &Allocator{
		config:     config,
		store:      store,
		bus:        bus,
		log:        logging.WithComponent("allocator"),
		scores:     make(map[string]float64),
		reductions: make(map[string]float64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	initial := &Snapshot{
		Version:    1,
		Budgets:    make(map[string]float64, len(config.Strategies)),
		ComputedAt: time.Now().UTC(),
	}
	for _, s := range config.Strategies {
		initial.Budgets[s] = config.InitialBudget
	}
	a.snap.Store(initial)

	bus.Subscribe(events.TopicMetricsUpdate, "allocator", a.onMetricsUpdate)
	bus.Subscribe(events.TopicGovernanceAction, "allocator", a.onGovernanceAction)
	return a, nil
}

// Budget returns the current budget for a strategy and the snapshot
// version it belongs to. Implements the risk gate's BudgetSource.
func (a *Allocator) Budget(strategyID string) (float64, int64) {
	snap := a.snap.Load()
	return snap.Budgets[strategyID], snap.Version
}

// Current returns the live snapshot
func (a *Allocator) Current() *Snapshot {
	return a.snap.Load()
}

func (a *Allocator) onMetricsUpdate(ev events.Event) {
	raw, ok := ev.Data["strategy_scores"].(map[string]float64)
	if !ok {
		return
	}
	a.mu.Lock()
	for s, score := range raw {
		a.scores[s] = score
	}
	a.mu.Unlock()
}

func (a *Allocator) onGovernanceAction(ev events.Event) {
	action, _ := ev.Data["action"].(string)
	if action != "reduce_exposure" {
		return
	}
	strategy, _ := ev.Data["strategy"].(string)
	factor, ok := ev.Data["factor"].(float64)
	if strategy == "" || !ok || factor <= 0 || factor > 1 {
		return
	}
	a.mu.Lock()
	a.reductions[strategy] = factor
	a.mu.Unlock()
	a.log.Info("Pending exposure reduction", "strategy", strategy, "factor", factor)
}

// Rebalance computes and commits a new snapshot from current scores and
// ledger equity. Budgets move at most MaxStepPct per call and the total
// never exceeds equity minus the reserve.
func (a *Allocator) Rebalance(ctx context.Context) (*Snapshot, error) {
	equity, err := a.store.LatestTotalEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("read equity: %w", err)
	}
	if equity <= 0 {
		return nil, ErrNoEquity
	}

	prev := a.snap.Load()
	a.mu.Lock()
	scores := make(map[string]float64, len(a.scores))
	for k, v := range a.scores {
		scores[k] = v
	}
	reductions := a.reductions
	a.reductions = make(map[string]float64)
	a.mu.Unlock()

	reserve := equity * a.config.ReservePct
	available := equity - reserve
	floor := equity * a.config.FloorPct
	ceiling := equity * a.config.CapPct

	next := &Snapshot{
		Version:    prev.Version + 1,
		Equity:     equity,
		Reserve:    reserve,
		Budgets:    make(map[string]float64, len(a.config.Strategies)),
		ComputedAt: time.Now().UTC(),
	}

	var total float64
	for _, s := range a.config.Strategies {
		old := prev.Budgets[s]
		if old <= 0 {
			old = a.config.InitialBudget
		}

		// The band clamps the starting point, not the result; only the
		// ceiling caps the step, so a contraction from the floor still
		// lands below it.
		old = clamp(old, floor, ceiling)

		score := clamp(scores[s], -1, 1)
		b := old * (1 + score*a.config.MaxStepPct)
		if b > ceiling {
			b = ceiling
		}

		if f, ok := reductions[s]; ok {
			b *= f
		}
		next.Budgets[s] = b
		total += b
	}

	// Proportional scale-down keeps the reserve inviolate
	if total > available && total > 0 {
		scale := available / total
		for s := range next.Budgets {
			next.Budgets[s] *= scale
		}
	}

	if err := a.persist(ctx, next); err != nil {
		return nil, err
	}

	a.snap.Store(next)
	a.bus.PublishAllocationUpdate(next.Version, next.Budgets)
	a.log.Info("Allocation committed", "version", next.Version, "equity", equity, "strategies", len(next.Budgets))
	return next, nil
}

func (a *Allocator) persist(ctx context.Context, snap *Snapshot) error {
	allocations := make([]*ledger.CapitalAllocation, 0, len(snap.Budgets))
	for s, b := range snap.Budgets {
		allocations = append(allocations, &ledger.CapitalAllocation{
			StrategyID: s,
			Budget:     b,
			Reason:     "rebalance",
			Version:    snap.Version,
			AdjustedAt: snap.ComputedAt,
		})
	}
	if err := a.store.SaveAllocations(ctx, allocations); err != nil {
		return fmt.Errorf("persist allocations: %w", err)
	}
	return nil
}

// Start runs the periodic rebalance loop until Stop
func (a *Allocator) Start(ctx context.Context) {
	interval := time.Duration(a.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.Rebalance(ctx); err != nil && !errors.Is(err, ErrNoEquity) {
					a.log.Error("Rebalance failed", "error", err)
				}
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the rebalance loop
func (a *Allocator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.done
		}
	})
}

// Stats reports the live snapshot for the status endpoint
func (a *Allocator) Stats() map[string]interface{} {
	snap := a.snap.Load()
	return map[string]interface{}{
		"version":  snap.Version,
		"equity":   snap.Equity,
		"reserve":  snap.Reserve,
		"budgets":  snap.Budgets,
		"computed": snap.ComputedAt,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
