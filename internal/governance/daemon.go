package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/logging"
)

// ActionType identifies a governance control action
type ActionType string

const (
	ActionPause          ActionType = "pause_trading"
	ActionResume         ActionType = "resume_trading"
	ActionReduceExposure ActionType = "reduce_exposure"
	ActionPromoteModel   ActionType = "promote_model"
)

// Action is one control action the daemon wants executed
type Action struct {
	Type     ActionType `json:"type"`
	Strategy string     `json:"strategy,omitempty"`
	Factor   float64    `json:"factor,omitempty"`
	Model    string     `json:"model,omitempty"`
	Reason   string     `json:"reason"`
}

// ActionSubmitter executes a governance action through the control-plane
// guard, so that automated and human interventions share the same
// idempotency and audit path. The key is deterministic per rule window, so
// a rule re-firing inside its window replays instead of re-executing.
type ActionSubmitter func(ctx context.Context, idempotencyKey string, action Action) error

// rejectTracker keeps a strategy's reject timestamps inside a rolling window
type rejectTracker struct {
	times []time.Time
}

func (rt *rejectTracker) add(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := rt.times[:0]
	for _, t := range rt.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rt.times = append(kept, now)
	return len(rt.times)
}

// Daemon evaluates the policy rule set against bus events and emits control
// actions. Evaluation happens on event arrival, never on a poll, so
// reaction latency is bounded by bus delivery latency.
type Daemon struct {
	rules  *RuleSet
	submit ActionSubmitter
	bus    *events.Bus
	log    *logging.Logger

	mu       sync.Mutex
	rejects  map[string]*rejectTracker // rule name + strategy -> tracker
	canary   map[string]int            // rule name -> consecutive canary wins
	nowFn    func() time.Time
	shutdown context.Context
	cancel   context.CancelFunc
}

// NewDaemon creates the governance daemon. The rule set must already be
// validated; NewDaemon re-validates and returns an error rather than
// running with undefined policy.
func NewDaemon(rules *RuleSet, bus *events.Bus, submit ActionSubmitter) (*Daemon, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to start governance daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		rules:    rules,
		submit:   submit,
		bus:      bus,
		log:      logging.WithComponent("governance"),
		rejects:  make(map[string]*rejectTracker),
		canary:   make(map[string]int),
		nowFn:    time.Now,
		shutdown: ctx,
		cancel:   cancel,
	}, nil
}

// Start subscribes the daemon to its input topics
func (d *Daemon) Start() {
	d.bus.Subscribe(events.TopicRiskReject, "governance-daemon", d.onRiskReject)
	d.bus.Subscribe(events.TopicMetricsUpdate, "governance-daemon", d.onMetricsUpdate)
	d.log.Info("Governance daemon started", "rules", len(d.rules.Rules))
}

// Stop cancels in-flight action submissions
func (d *Daemon) Stop() {
	d.cancel()
}

func (d *Daemon) onRiskReject(ev events.Event) {
	strategy, _ := ev.Data["strategy_id"].(string)
	if strategy == "" {
		return
	}
	now := d.nowFn()

	for _, rule := range d.rules.Rules {
		if rule.Kind != RuleConsecutiveRejects && rule.Kind != RuleRejectRateAlert {
			continue
		}
		if rule.Strategy != "" && rule.Strategy != strategy {
			continue
		}

		window := time.Duration(rule.WindowSeconds) * time.Second
		key := rule.Name + ":" + strategy

		d.mu.Lock()
		tracker, ok := d.rejects[key]
		if !ok {
			tracker = &rejectTracker{}
			d.rejects[key] = tracker
		}
		count := tracker.add(now, window)
		fired := count >= rule.Threshold
		if fired {
			tracker.times = nil
		}
		d.mu.Unlock()

		if !fired {
			continue
		}

		switch rule.Kind {
		case RuleConsecutiveRejects:
			d.fire(rule, now, Action{
				Type:     ActionReduceExposure,
				Strategy: strategy,
				Factor:   rule.Factor,
				Reason:   fmt.Sprintf("rule %s: %d rejects within %s", rule.Name, count, window),
			})
		case RuleRejectRateAlert:
			d.bus.PublishAlert(events.TopicAlertGovernance, "governance",
				fmt.Sprintf("reject rate threshold reached for %s", strategy),
				map[string]interface{}{"rule": rule.Name, "strategy_id": strategy, "count": count})
		}
	}
}

func (d *Daemon) onMetricsUpdate(ev events.Event) {
	now := d.nowFn()

	for _, rule := range d.rules.Rules {
		switch rule.Kind {
		case RuleDrawdownPause:
			drawdown, ok := asFloat(ev.Data["max_drawdown_pct"])
			if !ok || drawdown < rule.DrawdownPct {
				continue
			}
			d.fire(rule, now, Action{
				Type:   ActionPause,
				Reason: fmt.Sprintf("rule %s: drawdown %.2f%% >= %.2f%%", rule.Name, drawdown, rule.DrawdownPct),
			})

		case RuleCanaryPromote:
			canaryScore, ok1 := asFloat(ev.Data["canary_score"])
			activeScore, ok2 := asFloat(ev.Data["active_score"])
			version, _ := ev.Data["canary_version"].(string)
			if !ok1 || !ok2 || version == "" {
				continue
			}

			d.mu.Lock()
			if canaryScore > activeScore*(1+rule.Margin) {
				d.canary[rule.Name]++
			} else {
				d.canary[rule.Name] = 0
			}
			wins := d.canary[rule.Name]
			fired := wins >= rule.Threshold
			if fired {
				d.canary[rule.Name] = 0
			}
			d.mu.Unlock()

			if fired {
				d.fire(rule, now, Action{
					Type:   ActionPromoteModel,
					Model:  version,
					Reason: fmt.Sprintf("rule %s: canary %s outperformed for %d windows", rule.Name, version, wins),
				})
			}
		}
	}
}

// fire submits an action with a window-bucketed deterministic key
func (d *Daemon) fire(rule Rule, now time.Time, action Action) {
	window := int64(rule.WindowSeconds)
	if window <= 0 {
		window = 60
	}
	bucket := now.Unix() / window
	key := fmt.Sprintf("gov:%s:%s:%d", rule.Name, action.Strategy, bucket)

	if err := d.submit(d.shutdown, key, action); err != nil {
		d.log.Error("Governance action failed", "rule", rule.Name, "action", string(action.Type), "error", err)
		return
	}
	d.log.Info("Governance action executed",
		"rule", rule.Name, "action", string(action.Type), "strategy", action.Strategy, "reason", action.Reason)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
