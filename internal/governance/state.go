// Package governance owns the global trading-enabled state and the policy
// daemon that mutates it. All mutations, automated or human, flow through a
// single owning worker so that concurrent actors can never race.
package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State mutation errors, surfaced verbatim to control-plane callers
var (
	ErrAlreadyPaused   = errors.New("trading already paused")
	ErrAlreadyRunning  = errors.New("trading already running")
	ErrKillSwitchSet   = errors.New("kill switch engaged, resume refused")
	ErrOwnerStopped    = errors.New("governance state owner stopped")
	ErrInvalidFactor   = errors.New("exposure reduction factor must be in (0, 1]")
	ErrEmptyModel      = errors.New("model version cannot be empty")
	ErrUnknownMutation = errors.New("unknown governance mutation")
)

// State is the global and per-strategy trading gate. The risk rail gate
// reads it as a hard gate on every intent.
type State struct {
	TradingEnabled     bool               `json:"trading_enabled"`
	KillSwitch         bool               `json:"kill_switch"`
	PausedReason       string             `json:"paused_reason,omitempty"`
	StrategyEnabled    map[string]bool    `json:"strategy_enabled"`    // absent strategy = enabled
	ExposureReduction  map[string]float64 `json:"exposure_reduction"`  // absent strategy = 1.0
	ActiveModelVersion string             `json:"active_model_version"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewState returns the initial state: trading enabled, no reductions
func NewState(modelVersion string) State {
	return State{
		TradingEnabled:     true,
		StrategyEnabled:    make(map[string]bool),
		ExposureReduction:  make(map[string]float64),
		ActiveModelVersion: modelVersion,
		UpdatedAt:          time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to readers
func (s State) Clone() State {
	c := s
	c.StrategyEnabled = make(map[string]bool, len(s.StrategyEnabled))
	for k, v := range s.StrategyEnabled {
		c.StrategyEnabled[k] = v
	}
	c.ExposureReduction = make(map[string]float64, len(s.ExposureReduction))
	for k, v := range s.ExposureReduction {
		c.ExposureReduction[k] = v
	}
	return c
}

// StrategyAllowed reports whether intents for a strategy may trade
func (s State) StrategyAllowed(strategyID string) bool {
	if !s.TradingEnabled {
		return false
	}
	enabled, present := s.StrategyEnabled[strategyID]
	return !present || enabled
}

// ReductionFactor returns the exposure scale for a strategy, 1.0 when unset
func (s State) ReductionFactor(strategyID string) float64 {
	if f, ok := s.ExposureReduction[strategyID]; ok && f > 0 {
		return f
	}
	return 1.0
}

// MutationKind identifies a governance state mutation
type MutationKind string

const (
	MutatePause           MutationKind = "pause_trading"
	MutateResume          MutationKind = "resume_trading"
	MutateKill            MutationKind = "kill_switch"
	MutateReduceExposure  MutationKind = "reduce_exposure"
	MutatePromoteModel    MutationKind = "promote_model"
	MutateStrategyEnabled MutationKind = "set_strategy_enabled"
)

// Mutation is one requested state change
type Mutation struct {
	Kind     MutationKind
	Actor    string
	Reason   string
	Strategy string
	Factor   float64
	Model    string
	Enabled  bool
}

type mutationRequest struct {
	m     Mutation
	reply chan mutationResult
}

type mutationResult struct {
	state State
	err   error
}

// Owner serializes all GovernanceState mutations through one worker
// goroutine. Readers get consistent copies; writers get arrival-order
// application, which is the bus delivery order for daemon actions.
type Owner struct {
	inbox    chan mutationRequest
	mu       sync.RWMutex
	current  State
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewOwner creates the state owner with an initial state
func NewOwner(initial State) *Owner {
	o := &Owner{
		inbox:   make(chan mutationRequest, 64),
		current: initial,
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Owner) run() {
	for req := range o.inbox {
		state, err := o.apply(req.m)
		req.reply <- mutationResult{state: state, err: err}
	}
	close(o.done)
}

// apply executes one mutation against the owned state. Runs only on the
// owner goroutine.
func (o *Owner) apply(m Mutation) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &o.current
	switch m.Kind {
	case MutatePause:
		if !s.TradingEnabled {
			return s.Clone(), ErrAlreadyPaused
		}
		s.TradingEnabled = false
		s.PausedReason = m.Reason

	case MutateResume:
		if s.KillSwitch {
			return s.Clone(), ErrKillSwitchSet
		}
		if s.TradingEnabled {
			return s.Clone(), ErrAlreadyRunning
		}
		s.TradingEnabled = true
		s.PausedReason = ""

	case MutateKill:
		s.KillSwitch = true
		s.TradingEnabled = false
		s.PausedReason = m.Reason

	case MutateReduceExposure:
		if m.Factor <= 0 || m.Factor > 1 {
			return s.Clone(), ErrInvalidFactor
		}
		// The latest factor replaces any prior one; 1.0 restores full size
		s.ExposureReduction[m.Strategy] = m.Factor

	case MutatePromoteModel:
		if m.Model == "" {
			return s.Clone(), ErrEmptyModel
		}
		s.ActiveModelVersion = m.Model

	case MutateStrategyEnabled:
		s.StrategyEnabled[m.Strategy] = m.Enabled

	default:
		return s.Clone(), ErrUnknownMutation
	}

	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}

// Apply submits a mutation and waits for the owner to process it. The
// returned state is the post-mutation snapshot; an error leaves state
// untouched and describes why ("trading already paused" etc).
func (o *Owner) Apply(ctx context.Context, m Mutation) (State, error) {
	o.mu.RLock()
	if o.stopped {
		o.mu.RUnlock()
		return o.Snapshot(), ErrOwnerStopped
	}
	o.mu.RUnlock()

	req := mutationRequest{m: m, reply: make(chan mutationResult, 1)}
	select {
	case o.inbox <- req:
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.state, res.err
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Snapshot returns a consistent copy of the current state
func (o *Owner) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Clone()
}

// Stop shuts the owner down after in-flight mutations drain
func (o *Owner) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()
		close(o.inbox)
		<-o.done
	})
}
