// Package engine owns the order lifecycle: risk admission, venue
// submission, fill application, order groups, and reconciliation. All
// mutations for one (venue, symbol) pair run on a single worker, so fills
// and status changes for a symbol can never interleave.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"trading-engine/internal/circuit"
	"trading-engine/internal/events"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/risk"
	"trading-engine/internal/venue"
)

var (
	ErrRiskRejected  = errors.New("intent rejected by risk gate")
	ErrUnknownVenue  = errors.New("no adapter registered for venue")
	ErrNotReviewable = errors.New("order is not awaiting review")
	ErrEngineStopped = errors.New("engine stopped")
)

// Ledger is the persistence surface the engine writes through
type Ledger interface {
	RecordOrder(ctx context.Context, order *ledger.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status ledger.OrderStatus, reviewNote string) error
	SetVenueOrderRef(ctx context.Context, orderID, ref string) error
	GetOrder(ctx context.Context, orderID string) (*ledger.Order, error)
	GetOpenOrders(ctx context.Context) ([]*ledger.Order, error)
	GetOrdersByGroup(ctx context.Context, groupID string) ([]*ledger.Order, error)
	GetOrdersNeedingReview(ctx context.Context) ([]*ledger.Order, error)
	ApplyFill(ctx context.Context, fill *ledger.Fill) (bool, ledger.OrderStatus, error)
	GetAllPositions(ctx context.Context) ([]*ledger.Position, error)
	RebuildPosition(ctx context.Context, venue, symbol string) (*ledger.Position, error)
}

// Config controls submission retry and cancel behavior
type Config struct {
	SubmitMaxElapsed  time.Duration
	CancelMaxAttempts int
	WorkerQueueDepth  int
}

// DefaultConfig bounds submission retries at 15s and sibling cancels at 3
// attempts
func DefaultConfig() Config {
	return Config{
		SubmitMaxElapsed:  15 * time.Second,
		CancelMaxAttempts: 3,
		WorkerQueueDepth:  128,
	}
}

// OrderIntent is a strategy's request to trade
type OrderIntent struct {
	StrategyID string
	Venue      string
	Symbol     string
	Side       ledger.Side
	Quantity   float64
	Price      *float64
	RefPrice   float64
	GroupID    string
}

// Engine routes intents through the risk gate to venues and applies the
// resulting fills to the ledger
type Engine struct {
	config Config
	led    Ledger
	gate   *risk.Gate
	groups *GroupTracker
	bus    *events.Bus
	log    *logging.Logger

	mu       sync.Mutex
	adapters map[string]venue.Adapter
	breakers map[string]*circuit.Breaker
	workers  map[string]chan func()
	stopped  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the engine
func New(config Config, led Ledger, gate *risk.Gate, bus *events.Bus) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:   config,
		led:      led,
		gate:     gate,
		groups:   NewGroupTracker(),
		bus:      bus,
		log:      logging.WithComponent("engine"),
		adapters: make(map[string]venue.Adapter),
		breakers: make(map[string]*circuit.Breaker),
		workers:  make(map[string]chan func()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterVenue attaches an adapter with its circuit breaker and starts
// consuming its fill and order-status streams
func (e *Engine) RegisterVenue(adapter venue.Adapter, breaker *circuit.Breaker) {
	e.mu.Lock()
	e.adapters[adapter.Name()] = adapter
	e.breakers[adapter.Name()] = breaker
	e.mu.Unlock()

	e.wg.Add(2)
	go e.consumeFills(adapter)
	go e.consumeUpdates(adapter)
}

// worker returns the serialized executor for a (venue, symbol) pair,
// creating it on first use
func (e *Engine) worker(venueName, symbol string) chan func() {
	key := venueName + ":" + symbol

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[key]
	if !ok {
		w = make(chan func(), e.config.WorkerQueueDepth)
		e.workers[key] = w
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for task := range w {
				task()
			}
		}()
	}
	return w
}

// Submit runs an intent through the risk gate, records it, and submits it
// to the venue. The returned order is in ACCEPTED state; submission itself
// runs on the symbol worker and later transitions reflect venue responses.
func (e *Engine) Submit(ctx context.Context, intent OrderIntent) (*ledger.Order, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	adapter, ok := e.adapters[intent.Venue]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, intent.Venue)
	}

	decision := e.gate.Admit(risk.Intent{
		StrategyID: intent.StrategyID,
		Venue:      intent.Venue,
		Symbol:     intent.Symbol,
		Side:       string(intent.Side),
		Quantity:   intent.Quantity,
		RefPrice:   intent.RefPrice,
	})
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrRiskRejected, decision.Reason)
	}

	now := time.Now().UTC()
	order := &ledger.Order{
		ID:         uuid.New().String(),
		StrategyID: intent.StrategyID,
		Venue:      intent.Venue,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   decision.Quantity,
		Price:      intent.Price,
		RefPrice:   intent.RefPrice,
		Status:     ledger.StatusAccepted,
		GroupID:    intent.GroupID,
		AcceptedAt: now,
		UpdatedAt:  now,
	}
	if err := e.led.RecordOrder(ctx, order); err != nil {
		e.gate.ReleaseSpend(intent.StrategyID, decision.Quantity*intent.RefPrice)
		return nil, fmt.Errorf("record order: %w", err)
	}
	e.groups.Register(order.GroupID, order.ID)

	e.worker(order.Venue, order.Symbol) <- func() {
		e.submitToVenue(adapter, order, decision.Quantity*intent.RefPrice)
	}
	return order, nil
}

// submitToVenue pushes one order to its venue with bounded retries. Runs on
// the symbol worker.
func (e *Engine) submitToVenue(adapter venue.Adapter, order *ledger.Order, notional float64) {
	breaker := e.breaker(adapter.Name())
	if allowed, reason := breaker.Allow(); !allowed {
		e.log.Warn("Submission refused, circuit open", "order", order.ID, "venue", adapter.Name(), "reason", reason)
		e.failOrder(order, ledger.StatusRejected, "venue circuit open", notional)
		return
	}

	req := venue.OrderRequest{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Quantity: order.Quantity,
		Price:    order.Price,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = e.config.SubmitMaxElapsed

	var ack *venue.Ack
	err := backoff.Retry(func() error {
		a, submitErr := adapter.SubmitOrder(e.ctx, req)
		if submitErr == nil {
			ack = a
			return nil
		}
		if errors.Is(submitErr, venue.ErrTimeout) {
			// Unknown outcome: the order may be live at the venue. Query
			// before deciding whether a retry could double-submit.
			if ref, live := e.findAtVenue(adapter, order.ID); live {
				ack = &venue.Ack{VenueOrderRef: ref, AcceptedAt: time.Now().UTC()}
				return nil
			}
			return submitErr
		}
		if venue.IsTransient(submitErr) {
			return submitErr
		}
		return backoff.Permanent(submitErr)
	}, policy)

	if err != nil {
		breaker.RecordFailure(err)
		if errors.Is(err, venue.ErrTimeout) {
			// Exhausted retries with outcome still unknown
			e.markNeedsReview(order, "submission timed out, venue state unknown")
			return
		}
		e.failOrder(order, ledger.StatusRejected, err.Error(), notional)
		return
	}

	breaker.RecordSuccess()
	if err := e.led.SetVenueOrderRef(e.ctx, order.ID, ack.VenueOrderRef); err != nil {
		e.log.Error("Failed to persist venue order ref", "order", order.ID, "error", err)
	}
	e.log.Info("Order submitted", "order", order.ID, "venue", adapter.Name(), "ref", ack.VenueOrderRef)
}

// findAtVenue checks whether an order is live at the venue after a timeout
func (e *Engine) findAtVenue(adapter venue.Adapter, orderID string) (string, bool) {
	open, err := adapter.QueryOpenOrders(e.ctx)
	if err != nil {
		return "", false
	}
	for _, o := range open {
		if o.OrderID == orderID {
			return o.VenueOrderRef, true
		}
	}
	return "", false
}

func (e *Engine) failOrder(order *ledger.Order, status ledger.OrderStatus, note string, notional float64) {
	if err := e.led.UpdateOrderStatus(e.ctx, order.ID, status, note); err != nil {
		e.log.Error("Failed to update order status", "order", order.ID, "error", err)
		return
	}
	e.gate.ReleaseSpend(order.StrategyID, notional)
}

func (e *Engine) markNeedsReview(order *ledger.Order, note string) {
	if err := e.led.UpdateOrderStatus(e.ctx, order.ID, ledger.StatusNeedsReview, note); err != nil {
		e.log.Error("Failed to flag order for review", "order", order.ID, "error", err)
		return
	}
	e.bus.PublishAlert(events.TopicAlertGovernance, "engine",
		"order flagged for operator review",
		map[string]interface{}{"order_id": order.ID, "venue": order.Venue, "note": note})
}

// consumeFills drains one adapter's execution stream, dispatching each fill
// to its symbol worker
func (e *Engine) consumeFills(adapter venue.Adapter) {
	defer e.wg.Done()
	venueName := adapter.Name()

	for ev := range adapter.Fills() {
		fill := &ledger.Fill{
			FillID:      ev.FillID,
			OrderID:     ev.OrderID,
			Venue:       venueName,
			Symbol:      ev.Symbol,
			Side:        ledger.Side(ev.Side),
			Quantity:    ev.Quantity,
			Price:       ev.Price,
			FeeCurrency: ev.FeeCurrency,
			FeeAmount:   ev.FeeAmount,
			VenueSeq:    ev.Seq,
			ExecutedAt:  ev.ExecutedAt,
		}
		e.worker(venueName, ev.Symbol) <- func() {
			e.applyFill(adapter, fill)
		}
	}
}

// consumeUpdates drains one adapter's order-status stream. Venue-side
// cancels and expiries arrive here; they carry no fill but still close the
// order.
func (e *Engine) consumeUpdates(adapter venue.Adapter) {
	defer e.wg.Done()

	for upd := range adapter.Updates() {
		upd := upd
		e.worker(adapter.Name(), upd.Symbol) <- func() {
			e.applyOrderUpdate(adapter, upd)
		}
	}
}

// applyOrderUpdate closes an order the venue reported terminal outside the
// fill path, returning its unfilled notional to the budget and canceling
// group siblings. Runs on the symbol worker.
func (e *Engine) applyOrderUpdate(adapter venue.Adapter, upd venue.OrderUpdate) {
	order, err := e.led.GetOrder(e.ctx, upd.OrderID)
	if err != nil {
		e.log.Error("Status update for unknown order", "order", upd.OrderID, "error", err)
		return
	}
	if order.Status.IsTerminal() || order.Status == ledger.StatusNeedsReview {
		return
	}

	status := ledger.StatusCanceled
	if upd.Status == string(ledger.StatusExpired) {
		status = ledger.StatusExpired
	}
	if _, err := Transition(order.Status, status); err != nil {
		e.log.Error("Venue status update refused", "order", order.ID, "from", order.Status, "to", status)
		return
	}
	if err := e.led.UpdateOrderStatus(e.ctx, order.ID, status, upd.Reason); err != nil {
		e.log.Error("Failed to apply venue status", "order", order.ID, "error", err)
		return
	}
	e.releaseRemaining(order)
	e.log.Info("Order closed by venue", "order", order.ID, "status", status, "reason", upd.Reason)

	if order.GroupID != "" {
		e.cancelSiblings(adapter, order)
	}
}

// releaseRemaining returns the unfilled notional of a closed order to its
// strategy budget
func (e *Engine) releaseRemaining(order *ledger.Order) {
	if remaining := order.Remaining(); remaining > 0 && order.RefPrice > 0 {
		e.gate.ReleaseSpend(order.StrategyID, remaining*order.RefPrice)
	}
}

// applyFill persists one fill and handles resulting group actions. Runs on
// the symbol worker.
func (e *Engine) applyFill(adapter venue.Adapter, fill *ledger.Fill) {
	applied, newStatus, err := e.led.ApplyFill(e.ctx, fill)
	if err != nil {
		if errors.Is(err, ledger.ErrFillExceedsOrder) {
			e.log.Error("Fill exceeds order quantity, refused", "fill", fill.FillID, "order", fill.OrderID)
			e.bus.PublishAlert(events.TopicAlertVenue, "engine",
				"venue reported fill exceeding order quantity",
				map[string]interface{}{"fill_id": fill.FillID, "order_id": fill.OrderID})
			return
		}
		e.log.Error("Fill application failed", "fill", fill.FillID, "error", err)
		return
	}
	if !applied {
		// Venue replayed a fill we already hold
		return
	}

	if newStatus == ledger.StatusFilled {
		order, err := e.led.GetOrder(e.ctx, fill.OrderID)
		if err == nil && order.GroupID != "" {
			e.cancelSiblings(adapter, order)
		}
	}
}

// cancelSiblings cancels the other legs once one leg of a group goes
// terminal, whether by fill, cancel, or expiry. Best-effort with bounded
// attempts; a leg that cannot be canceled is flagged for review and the
// group marked degraded.
func (e *Engine) cancelSiblings(adapter venue.Adapter, closed *ledger.Order) {
	siblings := e.groups.OnLegTerminal(closed.GroupID, closed.ID)
	for _, sibID := range siblings {
		sib, err := e.led.GetOrder(e.ctx, sibID)
		if err != nil || sib.Status.IsTerminal() || sib.Status == ledger.StatusNeedsReview {
			continue
		}

		var cancelErr error
		for attempt := 0; attempt < e.config.CancelMaxAttempts; attempt++ {
			if cancelErr = adapter.CancelOrder(e.ctx, sibID); cancelErr == nil {
				break
			}
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
		}

		if cancelErr != nil {
			e.groups.MarkDegraded(closed.GroupID)
			e.markNeedsReview(sib, fmt.Sprintf("group sibling cancel failed: %v", cancelErr))
			e.bus.PublishAlert(events.TopicAlertVenue, "engine",
				"order group degraded, sibling cancel failed",
				map[string]interface{}{"group_id": closed.GroupID, "order_id": sibID, "error": cancelErr.Error()})
			continue
		}

		if err := e.led.UpdateOrderStatus(e.ctx, sibID, ledger.StatusCanceled, "group sibling closed"); err != nil {
			e.log.Error("Failed to mark sibling canceled", "order", sibID, "error", err)
			continue
		}
		e.releaseRemaining(sib)
	}
}

// FlattenAll cancels every open order across all venues. Returns the count
// of orders successfully canceled; failures are flagged for review.
func (e *Engine) FlattenAll(ctx context.Context) (int, error) {
	open, err := e.led.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open orders: %w", err)
	}

	var canceled int
	for _, order := range open {
		e.mu.Lock()
		adapter, ok := e.adapters[order.Venue]
		e.mu.Unlock()
		if !ok {
			e.markNeedsReview(order, "flatten: no adapter for venue")
			continue
		}

		if err := adapter.CancelOrder(ctx, order.ID); err != nil {
			e.markNeedsReview(order, fmt.Sprintf("flatten cancel failed: %v", err))
			continue
		}
		if err := e.led.UpdateOrderStatus(ctx, order.ID, ledger.StatusCanceled, "flatten_all"); err != nil {
			e.log.Error("Failed to mark order canceled", "order", order.ID, "error", err)
			continue
		}
		e.releaseRemaining(order)
		canceled++
	}
	e.log.Info("Flatten complete", "open", len(open), "canceled", canceled)
	return canceled, nil
}

// ResolveReview moves a NEEDS_REVIEW order to CANCELED. This is the only
// exit from review and is reachable only through the control plane.
func (e *Engine) ResolveReview(ctx context.Context, orderID, note string) error {
	order, err := e.led.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := Transition(order.Status, ledger.StatusCanceled); err != nil || order.Status != ledger.StatusNeedsReview {
		return fmt.Errorf("%w: %s is %s", ErrNotReviewable, orderID, order.Status)
	}
	if err := e.led.UpdateOrderStatus(ctx, orderID, ledger.StatusCanceled, note); err != nil {
		return err
	}
	e.releaseRemaining(order)

	if order.GroupID != "" {
		e.mu.Lock()
		adapter, ok := e.adapters[order.Venue]
		e.mu.Unlock()
		if ok {
			e.cancelSiblings(adapter, order)
		}
	}
	return nil
}

func (e *Engine) breaker(venueName string) *circuit.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breakers[venueName]
}

// Stats reports engine state for the status endpoint
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	venues := make(map[string]interface{}, len(e.breakers))
	for name, b := range e.breakers {
		venues[name] = b.Stats()
	}
	return map[string]interface{}{
		"venues":  venues,
		"workers": len(e.workers),
		"groups":  e.groups.Stats(),
	}
}

// Stop drains the workers and halts fill consumption. Adapters must be
// closed by the caller first so fill channels terminate.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, w := range e.workers {
		close(w)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
