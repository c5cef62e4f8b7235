// Package risk implements the pre-trade rail gate. Every order intent
// passes the rails in a fixed order; the first failing rail rejects the
// intent with a stable reason code and a risk.reject event.
package risk

import (
	"sync"

	"trading-engine/internal/events"
	"trading-engine/internal/governance"
	"trading-engine/internal/logging"
)

// Rejection reason codes, stable for dashboards and governance rules
const (
	ReasonTradingDisabled  = "trading_disabled"
	ReasonSymbolNotAllowed = "symbol_not_allowed"
	ReasonBelowMinNotional = "below_min_notional"
	ReasonAboveMaxNotional = "above_max_notional"
	ReasonRateLimited      = "rate_limited"
	ReasonBudgetExhausted  = "budget_exhausted"
)

// Rails holds the notional bounds, mutable at runtime via config_patch
type Rails struct {
	MinNotional float64 `json:"min_notional"`
	MaxNotional float64 `json:"max_notional"`
	ClipAtMax   bool    `json:"clip_at_max"`
}

// DefaultRails returns conservative bounds
func DefaultRails() Rails {
	return Rails{
		MinNotional: 10,
		MaxNotional: 100000,
		ClipAtMax:   true,
	}
}

// Intent is an order the engine wants to admit
type Intent struct {
	StrategyID string
	Venue      string
	Symbol     string
	Side       string
	Quantity   float64
	RefPrice   float64 // mark price used for notional checks
}

// Decision is the gate's verdict. When Allowed, Quantity is the admitted
// quantity, possibly clipped below the intent's.
type Decision struct {
	Allowed  bool
	Reason   string
	Quantity float64
	Clipped  bool
}

// BudgetSource exposes the allocator's current per-strategy budget. The
// returned version changes whenever a new allocation snapshot is swapped in.
type BudgetSource interface {
	Budget(strategyID string) (budget float64, version int64)
}

// GovernanceView is the read side of the governance state owner
type GovernanceView interface {
	Snapshot() governance.State
}

type strategySpend struct {
	version int64
	spent   float64
}

// Gate admits or rejects order intents against the configured rails.
// Budget spend is tracked per allocation snapshot version and resets when
// the allocator publishes a new snapshot.
type Gate struct {
	mu        sync.RWMutex
	rails     Rails
	allowed   map[string]map[string]bool // venue -> symbol -> allowed
	spend     map[string]*strategySpend
	gov       GovernanceView
	budgets   BudgetSource
	limiter   *RateLimiter
	bus       *events.Bus
	log       *logging.Logger
	rejectCnt int64
}

// NewGate creates the gate and subscribes it to universe updates
func NewGate(rails Rails, gov GovernanceView, budgets BudgetSource, limiter *RateLimiter, bus *events.Bus) *Gate {
	g := &Gate{
		rails:   rails,
		allowed: make(map[string]map[string]bool),
		spend:   make(map[string]*strategySpend),
		gov:     gov,
		budgets: budgets,
		limiter: limiter,
		bus:     bus,
		log:     logging.WithComponent("risk"),
	}
	bus.Subscribe(events.TopicUniverseUpdate, "risk-gate", g.onUniverseUpdate)
	return g
}

// SetUniverse replaces the allowed symbol set for a venue
func (g *Gate) SetUniverse(venue string, symbols []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	g.allowed[venue] = set
}

func (g *Gate) onUniverseUpdate(ev events.Event) {
	venue, _ := ev.Data["venue"].(string)
	raw, _ := ev.Data["symbols"].([]string)
	if venue == "" {
		return
	}
	g.SetUniverse(venue, raw)
	g.log.Info("Universe updated", "venue", venue, "symbols", len(raw))
}

// UpdateRails swaps in new notional bounds, used by config_patch
func (g *Gate) UpdateRails(rails Rails) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rails = rails
}

// CurrentRails returns the active bounds
func (g *Gate) CurrentRails() Rails {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rails
}

// Admit runs the rails in order: governance gate, allowlist, notional
// bounds, rate limit, budget. A rejected intent publishes risk.reject and
// never reaches a venue.
func (g *Gate) Admit(intent Intent) Decision {
	state := g.gov.Snapshot()
	if !state.TradingEnabled || state.KillSwitch {
		return g.reject(intent, ReasonTradingDisabled)
	}
	if !state.StrategyAllowed(intent.StrategyID) {
		return g.reject(intent, ReasonTradingDisabled)
	}

	g.mu.RLock()
	set, haveVenue := g.allowed[intent.Venue]
	symbolOK := haveVenue && set[intent.Symbol]
	rails := g.rails
	g.mu.RUnlock()

	if !symbolOK {
		return g.reject(intent, ReasonSymbolNotAllowed)
	}

	qty := intent.Quantity * state.ReductionFactor(intent.StrategyID)
	notional := qty * intent.RefPrice
	clipped := qty < intent.Quantity

	if notional < rails.MinNotional {
		return g.reject(intent, ReasonBelowMinNotional)
	}
	if notional > rails.MaxNotional {
		if !rails.ClipAtMax {
			return g.reject(intent, ReasonAboveMaxNotional)
		}
		qty = rails.MaxNotional / intent.RefPrice
		notional = rails.MaxNotional
		clipped = true
	}

	if !g.limiter.Allow(intent.Venue, intent.Symbol) {
		return g.reject(intent, ReasonRateLimited)
	}

	if g.budgets != nil {
		budget, version := g.budgets.Budget(intent.StrategyID)
		admitted, budgetClipped := g.reserveBudget(intent.StrategyID, notional, rails.MinNotional, budget, version)
		if admitted <= 0 {
			return g.reject(intent, ReasonBudgetExhausted)
		}
		if budgetClipped {
			qty = admitted / intent.RefPrice
			notional = admitted
			clipped = true
		}
	}

	return Decision{Allowed: true, Quantity: qty, Clipped: clipped}
}

// reserveBudget clips the notional against the strategy's remaining budget
// and records the spend in one critical section, so concurrent admissions
// cannot both see the same remainder and jointly overshoot. Spend resets
// when the snapshot version advances. A zero return means the budget is
// exhausted; the remainder, if any, is below minNotional.
func (g *Gate) reserveBudget(strategyID string, notional, minNotional, budget float64, version int64) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sp, ok := g.spend[strategyID]
	if !ok || sp.version != version {
		sp = &strategySpend{version: version}
		g.spend[strategyID] = sp
	}

	remaining := budget - sp.spent
	if remaining <= 0 {
		return 0, false
	}
	clipped := false
	if notional > remaining {
		if remaining < minNotional {
			return 0, false
		}
		notional = remaining
		clipped = true
	}
	sp.spent += notional
	return notional, clipped
}

// ReleaseSpend returns notional to a strategy's budget, used when an
// admitted order is rejected by the venue or canceled unfilled
func (g *Gate) ReleaseSpend(strategyID string, notional float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sp, ok := g.spend[strategyID]; ok {
		sp.spent -= notional
		if sp.spent < 0 {
			sp.spent = 0
		}
	}
}

func (g *Gate) reject(intent Intent, reason string) Decision {
	g.mu.Lock()
	g.rejectCnt++
	g.mu.Unlock()

	g.bus.PublishRiskReject(intent.StrategyID, intent.Venue, intent.Symbol, reason,
		intent.Quantity*intent.RefPrice)
	g.log.Info("Intent rejected",
		"strategy", intent.StrategyID, "venue", intent.Venue, "symbol", intent.Symbol, "reason", reason)
	return Decision{Allowed: false, Reason: reason}
}

// Stats reports gate state for the status endpoint
func (g *Gate) Stats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	universe := make(map[string]int, len(g.allowed))
	for venue, set := range g.allowed {
		universe[venue] = len(set)
	}
	return map[string]interface{}{
		"rails":      g.rails,
		"universe":   universe,
		"reject_cnt": g.rejectCnt,
	}
}
