package risk

import (
	"math"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/governance"
)

type stubGov struct {
	state governance.State
}

func (s *stubGov) Snapshot() governance.State { return s.state.Clone() }

type stubBudgets struct {
	mu      sync.Mutex
	budgets map[string]float64
	version int64
}

func (s *stubBudgets) Budget(strategyID string) (float64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgets[strategyID], s.version
}

func newTestGate(t *testing.T, budgets *stubBudgets) (*Gate, *stubGov, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	gov := &stubGov{state: governance.NewState("v1")}
	limiter := NewRateLimiter(RateLimiterConfig{Enabled: true, RatePerSecond: 100, Burst: 100})

	var bs BudgetSource
	if budgets != nil {
		bs = budgets
	}
	g := NewGate(Rails{MinNotional: 10, MaxNotional: 1000000, ClipAtMax: true}, gov, bs, limiter, bus)
	g.SetUniverse("mock", []string{"BTC-USD", "ETH-USD"})
	return g, gov, bus
}

func TestBudgetClipsQuantity(t *testing.T) {
	budgets := &stubBudgets{budgets: map[string]float64{"trend-1": 30000}, version: 1}
	g, _, _ := newTestGate(t, budgets)

	// 1 BTC at $60k against a $30k budget admits half the quantity
	d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "BTC-USD", Side: "BUY", Quantity: 1.0, RefPrice: 60000})
	if !d.Allowed {
		t.Fatalf("expected admit, got reject %s", d.Reason)
	}
	if !d.Clipped {
		t.Error("expected decision to be marked clipped")
	}
	if math.Abs(d.Quantity-0.5) > 1e-9 {
		t.Errorf("expected 0.5 BTC, got %v", d.Quantity)
	}

	// Budget is now spent; the next intent has nothing left
	d = g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "BTC-USD", Side: "BUY", Quantity: 0.1, RefPrice: 60000})
	if d.Allowed {
		t.Fatal("expected reject after budget exhausted")
	}
	if d.Reason != ReasonBudgetExhausted {
		t.Errorf("expected %s, got %s", ReasonBudgetExhausted, d.Reason)
	}
}

func TestBudgetResetsOnNewSnapshotVersion(t *testing.T) {
	budgets := &stubBudgets{budgets: map[string]float64{"trend-1": 1000}, version: 1}
	g, _, _ := newTestGate(t, budgets)

	if d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Quantity: 1, RefPrice: 1000}); !d.Allowed {
		t.Fatalf("first intent should pass: %s", d.Reason)
	}
	if d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Quantity: 1, RefPrice: 1000}); d.Allowed {
		t.Fatal("budget should be spent")
	}

	budgets.mu.Lock()
	budgets.version = 2
	budgets.mu.Unlock()

	if d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Quantity: 1, RefPrice: 1000}); !d.Allowed {
		t.Errorf("spend should reset on new snapshot version, got %s", d.Reason)
	}
}

func TestReleaseSpendRestoresBudget(t *testing.T) {
	budgets := &stubBudgets{budgets: map[string]float64{"trend-1": 1000}, version: 1}
	g, _, _ := newTestGate(t, budgets)

	if d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Quantity: 1, RefPrice: 1000}); !d.Allowed {
		t.Fatalf("first intent should pass: %s", d.Reason)
	}
	g.ReleaseSpend("trend-1", 1000)
	if d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Quantity: 1, RefPrice: 1000}); !d.Allowed {
		t.Errorf("released spend should be admittable again, got %s", d.Reason)
	}
}

func TestConcurrentAdmitsNeverOvershootBudget(t *testing.T) {
	budgets := &stubBudgets{budgets: map[string]float64{"trend-1": 10000}, version: 1}
	g, _, _ := newTestGate(t, budgets)

	// 20 intents of $1000 against a $10k budget: whatever the interleaving,
	// the admitted notional may never exceed the budget.
	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted float64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "ETH-USD", Side: "BUY", Quantity: 1, RefPrice: 1000})
			if d.Allowed {
				mu.Lock()
				admitted += d.Quantity * 1000
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted > 10000+1e-6 {
		t.Errorf("admitted notional %v exceeds the 10000 budget", admitted)
	}
	if math.Abs(admitted-10000) > 1e-6 {
		t.Errorf("budget should be fully admitted, got %v", admitted)
	}
}

func TestGovernanceDisabledRejects(t *testing.T) {
	g, gov, _ := newTestGate(t, nil)

	gov.state.TradingEnabled = false
	d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 100})
	if d.Allowed {
		t.Fatal("expected reject when trading disabled")
	}
	if d.Reason != ReasonTradingDisabled {
		t.Errorf("expected %s, got %s", ReasonTradingDisabled, d.Reason)
	}
}

func TestStrategyDisabledRejects(t *testing.T) {
	g, gov, _ := newTestGate(t, nil)
	gov.state.StrategyEnabled["trend-1"] = false

	d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 100})
	if d.Allowed {
		t.Fatal("expected reject for disabled strategy")
	}
	d = g.Admit(Intent{StrategyID: "trend-2", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 100})
	if !d.Allowed {
		t.Errorf("other strategies should still trade, got %s", d.Reason)
	}
}

func TestSymbolAllowlist(t *testing.T) {
	g, _, bus := newTestGate(t, nil)

	d := g.Admit(Intent{StrategyID: "s", Venue: "mock", Symbol: "DOGE-USD", Quantity: 1, RefPrice: 100})
	if d.Allowed || d.Reason != ReasonSymbolNotAllowed {
		t.Fatalf("expected %s, got %+v", ReasonSymbolNotAllowed, d)
	}

	bus.PublishUniverseUpdate("mock", []string{"BTC-USD", "ETH-USD", "DOGE-USD"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d := g.Admit(Intent{StrategyID: "s", Venue: "mock", Symbol: "DOGE-USD", Quantity: 1, RefPrice: 100}); d.Allowed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("universe update never took effect")
}

func TestNotionalBounds(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	g.UpdateRails(Rails{MinNotional: 100, MaxNotional: 10000, ClipAtMax: true})

	d := g.Admit(Intent{StrategyID: "s", Venue: "mock", Symbol: "BTC-USD", Quantity: 0.001, RefPrice: 100})
	if d.Allowed || d.Reason != ReasonBelowMinNotional {
		t.Errorf("expected %s, got %+v", ReasonBelowMinNotional, d)
	}

	d = g.Admit(Intent{StrategyID: "s", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 50000})
	if !d.Allowed || !d.Clipped {
		t.Fatalf("expected clipped admit, got %+v", d)
	}
	if math.Abs(d.Quantity-0.2) > 1e-9 {
		t.Errorf("expected 0.2 clipped qty, got %v", d.Quantity)
	}

	g.UpdateRails(Rails{MinNotional: 100, MaxNotional: 10000, ClipAtMax: false})
	d = g.Admit(Intent{StrategyID: "s", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 50000})
	if d.Allowed || d.Reason != ReasonAboveMaxNotional {
		t.Errorf("expected %s with clipping off, got %+v", ReasonAboveMaxNotional, d)
	}
}

func TestExposureReductionScalesQuantity(t *testing.T) {
	g, gov, _ := newTestGate(t, nil)
	gov.state.ExposureReduction["trend-1"] = 0.5

	d := g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "BTC-USD", Quantity: 2, RefPrice: 100})
	if !d.Allowed {
		t.Fatalf("expected admit, got %s", d.Reason)
	}
	if math.Abs(d.Quantity-1.0) > 1e-9 {
		t.Errorf("expected reduced qty 1.0, got %v", d.Quantity)
	}
	if !d.Clipped {
		t.Error("reduction should mark the decision clipped")
	}
}

func TestRateLimiterRail(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	gov := &stubGov{state: governance.NewState("v1")}
	limiter := NewRateLimiter(RateLimiterConfig{Enabled: true, RatePerSecond: 0.001, Burst: 2})
	g := NewGate(DefaultRails(), gov, nil, limiter, bus)
	g.SetUniverse("mock", []string{"BTC-USD"})

	intent := Intent{StrategyID: "s", Venue: "mock", Symbol: "BTC-USD", Quantity: 1, RefPrice: 100}
	if d := g.Admit(intent); !d.Allowed {
		t.Fatalf("first: %s", d.Reason)
	}
	if d := g.Admit(intent); !d.Allowed {
		t.Fatalf("second: %s", d.Reason)
	}
	d := g.Admit(intent)
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Errorf("expected %s, got %+v", ReasonRateLimited, d)
	}
}

func TestRejectPublishesEvent(t *testing.T) {
	g, _, bus := newTestGate(t, nil)

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(events.TopicRiskReject, "test", func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	g.Admit(Intent{StrategyID: "trend-1", Venue: "mock", Symbol: "NOPE", Quantity: 1, RefPrice: 100})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			mu.Lock()
			defer mu.Unlock()
			if got[0].Data["reason"] != ReasonSymbolNotAllowed {
				t.Errorf("wrong reason in event: %v", got[0].Data["reason"])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("risk.reject never published")
}
