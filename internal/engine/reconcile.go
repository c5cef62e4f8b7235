package engine

import (
	"context"
	"fmt"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/ledger"
	"trading-engine/internal/venue"
)

// Reconcile compares persisted open orders against venue truth after a
// restart. An order the ledger believes open but the venue does not report
// is flagged NEEDS_REVIEW; it is never auto-canceled or auto-filled, since
// a fill may have happened during the outage. Orders already awaiting
// review get a reminder alert each pass.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.led.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}

	byVenue := make(map[string][]*ledger.Order)
	for _, o := range open {
		byVenue[o.Venue] = append(byVenue[o.Venue], o)
		if o.GroupID != "" {
			e.groups.Register(o.GroupID, o.ID)
		}
	}

	for venueName, orders := range byVenue {
		e.mu.Lock()
		adapter, ok := e.adapters[venueName]
		e.mu.Unlock()
		if !ok {
			for _, o := range orders {
				e.markNeedsReview(o, "reconcile: no adapter for venue")
			}
			continue
		}

		venueOpen, err := adapter.QueryOpenOrders(ctx)
		if err != nil {
			e.log.Error("Reconciliation query failed", "venue", venueName, "error", err)
			e.bus.PublishAlert(events.TopicAlertVenue, "engine",
				"reconciliation query failed, orders unverified",
				map[string]interface{}{"venue": venueName, "error": err.Error(), "orders": len(orders)})
			continue
		}

		live := make(map[string]bool, len(venueOpen))
		for _, vo := range venueOpen {
			live[vo.OrderID] = true
		}

		for _, o := range orders {
			if live[o.ID] {
				continue
			}
			e.markNeedsReview(o, fmt.Sprintf("reconcile: order not reported open by %s", venueName))
		}
	}

	if err := e.reconcilePositions(ctx); err != nil {
		return err
	}
	return e.remindPendingReviews(ctx)
}

// posEpsilon absorbs float noise when comparing net quantities
const posEpsilon = 1e-9

// reconcilePositions checks the position invariant for every (venue, symbol)
// key: the cached row must equal a full fill replay, and the replayed net
// quantity must match what the venue reports. Drift raises an alert and is
// never traded away automatically.
func (e *Engine) reconcilePositions(ctx context.Context) error {
	cached, err := e.led.GetAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	cachedQty := make(map[string]float64, len(cached))
	for _, p := range cached {
		cachedQty[p.Venue+":"+p.Symbol] = p.NetQty
	}

	e.mu.Lock()
	adapters := make(map[string]venue.Adapter, len(e.adapters))
	for name, a := range e.adapters {
		adapters[name] = a
	}
	e.mu.Unlock()

	for venueName, adapter := range adapters {
		reports, err := adapter.QueryPositions(ctx)
		if err != nil {
			e.log.Error("Position query failed", "venue", venueName, "error", err)
			e.bus.PublishAlert(events.TopicAlertVenue, "engine",
				"position query failed, positions unverified",
				map[string]interface{}{"venue": venueName, "error": err.Error()})
			continue
		}

		venueQty := make(map[string]float64, len(reports))
		symbols := make(map[string]bool, len(reports))
		for _, rep := range reports {
			venueQty[rep.Symbol] = rep.NetQty
			symbols[rep.Symbol] = true
		}
		for _, p := range cached {
			if p.Venue == venueName {
				symbols[p.Symbol] = true
			}
		}

		for symbol := range symbols {
			rebuilt, err := e.led.RebuildPosition(ctx, venueName, symbol)
			if err != nil {
				e.log.Error("Position rebuild failed", "venue", venueName, "symbol", symbol, "error", err)
				continue
			}
			if diff := rebuilt.NetQty - cachedQty[venueName+":"+symbol]; diff > posEpsilon || diff < -posEpsilon {
				e.log.Error("Cached position diverges from fill replay",
					"venue", venueName, "symbol", symbol,
					"cached", cachedQty[venueName+":"+symbol], "replayed", rebuilt.NetQty)
				e.bus.PublishAlert(events.TopicAlertVenue, "engine",
					"cached position diverges from fill replay",
					map[string]interface{}{
						"venue": venueName, "symbol": symbol,
						"cached": cachedQty[venueName+":"+symbol], "replayed": rebuilt.NetQty,
					})
			}
			if diff := rebuilt.NetQty - venueQty[symbol]; diff > posEpsilon || diff < -posEpsilon {
				e.log.Error("Ledger position diverges from venue",
					"venue", venueName, "symbol", symbol,
					"ledger", rebuilt.NetQty, "reported", venueQty[symbol])
				e.bus.PublishAlert(events.TopicAlertVenue, "engine",
					"ledger position diverges from venue",
					map[string]interface{}{
						"venue": venueName, "symbol": symbol,
						"ledger": rebuilt.NetQty, "reported": venueQty[symbol],
					})
			}
		}
	}
	return nil
}

// remindPendingReviews re-alerts on every order still awaiting an operator
func (e *Engine) remindPendingReviews(ctx context.Context) error {
	pending, err := e.led.GetOrdersNeedingReview(ctx)
	if err != nil {
		return fmt.Errorf("load review queue: %w", err)
	}
	for _, o := range pending {
		e.bus.PublishAlert(events.TopicAlertGovernance, "engine",
			"order still awaiting operator review",
			map[string]interface{}{
				"order_id": o.ID,
				"venue":    o.Venue,
				"symbol":   o.Symbol,
				"note":     o.ReviewNote,
				"age_sec":  int64(time.Since(o.UpdatedAt).Seconds()),
			})
	}
	if len(pending) > 0 {
		e.log.Warn("Orders awaiting review", "count", len(pending))
	}
	return nil
}
