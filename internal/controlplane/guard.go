// Package controlplane guards every high-risk command behind idempotency
// keys and an audit trail. Commands from operators and from the governance
// daemon take the same path: at-most-once execution, durable record, replay
// on duplicate keys.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/events"
	"trading-engine/internal/governance"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/risk"
)

// Command names accepted by the guard
const (
	CmdPause          = "pause"
	CmdResume         = "resume"
	CmdKillSwitch     = "kill_switch"
	CmdFlattenAll     = "flatten_all"
	CmdConfigPatch    = "config_patch"
	CmdResolveReview  = "resolve_review"
	CmdReduceExposure = "reduce_exposure"
	CmdPromoteModel   = "promote_model"
)

var (
	ErrMissingKey     = errors.New("idempotency key is required")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInFlight       = errors.New("command with this key is still executing")
)

// Command is one control-plane request
type Command struct {
	Name   string                 `json:"name"`
	Actor  string                 `json:"actor"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Result is the canonical outcome of a command. Replayed results are
// byte-identical to the first execution's.
type Result struct {
	Replayed bool             `json:"replayed"`
	OK       bool             `json:"ok"`
	Message  string           `json:"message,omitempty"`
	State    governance.State `json:"state"`
}

// OrderControl is the engine surface the guard drives
type OrderControl interface {
	FlattenAll(ctx context.Context) (int, error)
	ResolveReview(ctx context.Context, orderID, note string) error
}

// RailsControl lets config_patch adjust the risk rails at runtime
type RailsControl interface {
	CurrentRails() risk.Rails
	UpdateRails(rails risk.Rails)
}

// Ledger is the durable record surface the guard writes
type Ledger interface {
	PutIdempotencyRecord(ctx context.Context, rec *ledger.IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*ledger.IdempotencyRecord, error)
	AppendAudit(ctx context.Context, entry *ledger.AuditEntry) error
}

// Config controls retention and replay-wait behavior
type Config struct {
	RetentionTTL time.Duration
	ReplayWait   time.Duration
}

// DefaultConfig retains records for 24h
func DefaultConfig() Config {
	return Config{
		RetentionTTL: 24 * time.Hour,
		ReplayWait:   2 * time.Second,
	}
}

// Guard executes commands at most once per idempotency key
type Guard struct {
	config Config
	store  IdempotencyStore
	led    Ledger
	owner  *governance.Owner
	orders OrderControl
	rails  RailsControl
	bus    *events.Bus
	log    *logging.Logger
}

// NewGuard creates the guard. orders and rails may be nil in partial
// deployments; commands needing them fail with a message.
func NewGuard(config Config, store IdempotencyStore, led Ledger, owner *governance.Owner, orders OrderControl, rails RailsControl, bus *events.Bus) *Guard {
	return &Guard{
		config: config,
		store:  store,
		led:    led,
		owner:  owner,
		orders: orders,
		rails:  rails,
		bus:    bus,
		log:    logging.WithComponent("controlplane"),
	}
}

// Execute runs a command under an idempotency key. A key seen before
// returns the recorded result with Replayed set; a concurrent duplicate
// waits briefly for the winner's result.
func (g *Guard) Execute(ctx context.Context, key string, cmd Command) (*Result, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	if res, ok, err := g.lookupReplay(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	won, err := g.store.Reserve(ctx, key, g.config.RetentionTTL)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !won {
		return g.awaitWinner(ctx, key)
	}

	result := g.run(ctx, cmd)
	if err := g.record(ctx, key, cmd, result); err != nil {
		g.log.Error("Failed to record command result", "key", key, "error", err)
	}
	if result.OK && g.bus != nil {
		g.announce(cmd)
	}
	return result, nil
}

// announce mirrors an executed command onto the bus for the allocator,
// telemetry, and dashboards
func (g *Guard) announce(cmd Command) {
	params := make(map[string]interface{}, len(cmd.Params))
	for k, v := range cmd.Params {
		params[k] = v
	}
	g.bus.PublishGovernanceAction(cmd.Actor, cmd.Name, params)
	if cmd.Name == CmdPromoteModel {
		g.bus.PublishModelPromoted(paramString(cmd, "model"), "")
	}
}

// lookupReplay checks the fast store then the durable ledger record
func (g *Guard) lookupReplay(ctx context.Context, key string) (*Result, bool, error) {
	if raw, found, err := g.store.GetResult(ctx, key); err == nil && found {
		return decodeReplay(raw)
	}

	rec, err := g.led.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency record: %w", err)
	}
	if rec == nil {
		return nil, false, nil
	}
	return decodeReplay(rec.Result)
}

func decodeReplay(raw []byte) (*Result, bool, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode recorded result: %w", err)
	}
	res.Replayed = true
	return &res, true, nil
}

// awaitWinner polls for the concurrent winner's recorded result
func (g *Guard) awaitWinner(ctx context.Context, key string) (*Result, error) {
	deadline := time.Now().Add(g.config.ReplayWait)
	for time.Now().Before(deadline) {
		if res, ok, err := g.lookupReplay(ctx, key); err == nil && ok {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil, ErrInFlight
}

// run dispatches one command. Errors become a failed Result rather than a
// Go error so that replays reproduce failures too.
func (g *Guard) run(ctx context.Context, cmd Command) *Result {
	var state governance.State
	var err error
	message := ""

	switch cmd.Name {
	case CmdPause:
		state, err = g.owner.Apply(ctx, governance.Mutation{
			Kind: governance.MutatePause, Actor: cmd.Actor, Reason: paramString(cmd, "reason"),
		})

	case CmdResume:
		state, err = g.owner.Apply(ctx, governance.Mutation{
			Kind: governance.MutateResume, Actor: cmd.Actor,
		})

	case CmdKillSwitch:
		state, err = g.owner.Apply(ctx, governance.Mutation{
			Kind: governance.MutateKill, Actor: cmd.Actor, Reason: paramString(cmd, "reason"),
		})

	case CmdReduceExposure:
		state, err = g.owner.Apply(ctx, governance.Mutation{
			Kind:     governance.MutateReduceExposure,
			Actor:    cmd.Actor,
			Strategy: paramString(cmd, "strategy"),
			Factor:   paramFloat(cmd, "factor"),
			Reason:   paramString(cmd, "reason"),
		})

	case CmdPromoteModel:
		state, err = g.owner.Apply(ctx, governance.Mutation{
			Kind:  governance.MutatePromoteModel,
			Actor: cmd.Actor,
			Model: paramString(cmd, "model"),
		})

	case CmdFlattenAll:
		state = g.owner.Snapshot()
		if g.orders == nil {
			err = errors.New("order control not wired")
			break
		}
		var n int
		n, err = g.orders.FlattenAll(ctx)
		if err == nil {
			message = fmt.Sprintf("canceled %d open orders", n)
		}

	case CmdResolveReview:
		state = g.owner.Snapshot()
		if g.orders == nil {
			err = errors.New("order control not wired")
			break
		}
		err = g.orders.ResolveReview(ctx, paramString(cmd, "order_id"), paramString(cmd, "note"))

	case CmdConfigPatch:
		state = g.owner.Snapshot()
		if g.rails == nil {
			err = errors.New("rails control not wired")
			break
		}
		rails := g.rails.CurrentRails()
		if v, ok := paramFloatOK(cmd, "min_notional"); ok {
			rails.MinNotional = v
		}
		if v, ok := paramFloatOK(cmd, "max_notional"); ok {
			rails.MaxNotional = v
		}
		if v, ok := cmd.Params["clip_at_max"].(bool); ok {
			rails.ClipAtMax = v
		}
		g.rails.UpdateRails(rails)
		message = "rails updated"

	default:
		return &Result{OK: false, Message: ErrUnknownCommand.Error() + ": " + cmd.Name, State: g.owner.Snapshot()}
	}

	if err != nil {
		return &Result{OK: false, Message: err.Error(), State: state}
	}
	return &Result{OK: true, Message: message, State: state}
}

// record persists the durable idempotency record and one audit entry
func (g *Guard) record(ctx context.Context, key string, cmd Command, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	params, _ := json.Marshal(cmd.Params)

	now := time.Now().UTC()
	if err := g.led.PutIdempotencyRecord(ctx, &ledger.IdempotencyRecord{
		Key:       key,
		Actor:     cmd.Actor,
		Action:    cmd.Name,
		Result:    raw,
		FirstSeen: now,
	}); err != nil && !errors.Is(err, ledger.ErrIdempotencyKeyExists) {
		return err
	}

	if err := g.led.AppendAudit(ctx, &ledger.AuditEntry{
		ID:        uuid.New().String(),
		Actor:     cmd.Actor,
		Action:    cmd.Name,
		Params:    params,
		Result:    raw,
		Timestamp: now,
	}); err != nil {
		return err
	}

	return g.store.SaveResult(ctx, key, raw, g.config.RetentionTTL)
}

func paramString(cmd Command, key string) string {
	s, _ := cmd.Params[key].(string)
	return s
}

func paramFloat(cmd Command, key string) float64 {
	v, _ := paramFloatOK(cmd, key)
	return v
}

func paramFloatOK(cmd Command, key string) (float64, bool) {
	switch v := cmd.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
