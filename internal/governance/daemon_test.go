package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/events"
)

type submitRecorder struct {
	mu      sync.Mutex
	keys    []string
	actions []Action
}

func (r *submitRecorder) submit(_ context.Context, key string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.actions = append(r.actions, action)
	return nil
}

func (r *submitRecorder) snapshot() ([]string, []Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...), append([]Action(nil), r.actions...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testRules(t *testing.T, doc string) *RuleSet {
	t.Helper()
	rs, err := ParseRuleSet([]byte(doc))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return rs
}

func TestConsecutiveRejectsReduceExposure(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	rs := testRules(t, `
rules:
  - name: trend-reject-guard
    kind: consecutive_rejects
    threshold: 3
    window_seconds: 60
    factor: 0.5
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	d.Start()

	for i := 0; i < 3; i++ {
		bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "budget_exhausted", 1000)
	}

	waitFor(t, func() bool {
		_, actions := rec.snapshot()
		return len(actions) == 1
	})

	_, actions := rec.snapshot()
	a := actions[0]
	if a.Type != ActionReduceExposure {
		t.Errorf("expected reduce_exposure, got %s", a.Type)
	}
	if a.Strategy != "trend-1" {
		t.Errorf("expected strategy trend-1, got %s", a.Strategy)
	}
	if a.Factor != 0.5 {
		t.Errorf("expected factor 0.5, got %v", a.Factor)
	}
}

func TestRejectWindowIsPerStrategy(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	rs := testRules(t, `
rules:
  - name: reject-guard
    kind: consecutive_rejects
    threshold: 3
    window_seconds: 60
    factor: 0.5
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	d.Start()

	bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "rate_limited", 100)
	bus.PublishRiskReject("trend-2", "mock", "ETH-USD", "rate_limited", 100)
	bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "rate_limited", 100)
	bus.PublishRiskReject("trend-2", "mock", "ETH-USD", "rate_limited", 100)

	// Let the bus drain, then confirm neither strategy crossed threshold
	time.Sleep(100 * time.Millisecond)
	_, actions := rec.snapshot()
	if len(actions) != 0 {
		t.Fatalf("expected no actions below per-strategy threshold, got %d", len(actions))
	}
}

func TestDeterministicKeyWithinWindow(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	rs := testRules(t, `
rules:
  - name: reject-guard
    kind: consecutive_rejects
    threshold: 2
    window_seconds: 3600
    factor: 0.5
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	d.nowFn = func() time.Time { return fixed }
	d.Start()

	for i := 0; i < 4; i++ {
		bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "rate_limited", 100)
	}

	waitFor(t, func() bool {
		keys, _ := rec.snapshot()
		return len(keys) == 2
	})

	keys, _ := rec.snapshot()
	if keys[0] != keys[1] {
		t.Errorf("expected identical keys within one window, got %q and %q", keys[0], keys[1])
	}
}

func TestDrawdownPause(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	rs := testRules(t, `
rules:
  - name: drawdown-stop
    kind: drawdown_pause
    drawdown_pct: 10.0
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	d.Start()

	bus.PublishMetricsUpdate(map[string]interface{}{"max_drawdown_pct": 4.0})
	bus.PublishMetricsUpdate(map[string]interface{}{"max_drawdown_pct": 12.5})

	waitFor(t, func() bool {
		_, actions := rec.snapshot()
		return len(actions) == 1
	})

	_, actions := rec.snapshot()
	if actions[0].Type != ActionPause {
		t.Errorf("expected pause_trading, got %s", actions[0].Type)
	}
}

func TestCanaryPromoteAfterStreak(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	rs := testRules(t, `
rules:
  - name: canary-rollout
    kind: canary_promote
    threshold: 3
    margin: 0.05
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	d.Start()

	win := map[string]interface{}{"canary_score": 1.2, "active_score": 1.0, "canary_version": "v9"}
	lose := map[string]interface{}{"canary_score": 1.0, "active_score": 1.0, "canary_version": "v9"}

	// A loss resets the streak, so five events with a mid-streak loss must not fire
	bus.PublishMetricsUpdate(win)
	bus.PublishMetricsUpdate(win)
	bus.PublishMetricsUpdate(lose)
	bus.PublishMetricsUpdate(win)
	bus.PublishMetricsUpdate(win)
	time.Sleep(100 * time.Millisecond)
	if _, actions := rec.snapshot(); len(actions) != 0 {
		t.Fatalf("streak broken by loss should not promote, got %d actions", len(actions))
	}

	bus.PublishMetricsUpdate(win)
	waitFor(t, func() bool {
		_, actions := rec.snapshot()
		return len(actions) == 1
	})

	_, actions := rec.snapshot()
	if actions[0].Type != ActionPromoteModel || actions[0].Model != "v9" {
		t.Errorf("expected promote_model v9, got %+v", actions[0])
	}
}

func TestRejectRateAlertPublishesOnly(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &submitRecorder{}

	var alertMu sync.Mutex
	var alerts int
	bus.Subscribe(events.TopicAlertGovernance, "test", func(ev events.Event) {
		alertMu.Lock()
		alerts++
		alertMu.Unlock()
	})

	rs := testRules(t, `
rules:
  - name: reject-noise
    kind: reject_rate_alert
    threshold: 2
    window_seconds: 60
`)
	d, err := NewDaemon(rs, bus, rec.submit)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	defer d.Stop()
	d.Start()

	bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "rate_limited", 100)
	bus.PublishRiskReject("trend-1", "mock", "BTC-USD", "rate_limited", 100)

	waitFor(t, func() bool {
		alertMu.Lock()
		defer alertMu.Unlock()
		return alerts == 1
	})

	if _, actions := rec.snapshot(); len(actions) != 0 {
		t.Errorf("alert rule must not submit control actions, got %d", len(actions))
	}
}
