package ledger

import (
	"encoding/json"
	"time"
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"

	// StatusNeedsReview marks an order whose crash-time state could not be
	// confirmed against the venue. Only an operator command may resolve it.
	StatusNeedsReview OrderStatus = "NEEDS_REVIEW"
)

// Side represents order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order is the durable record of an admitted order. Identity fields are
// immutable once persisted; Quantity is fixed at creation and partial fills
// reduce the remaining amount, never the recorded quantity.
type Order struct {
	ID          string      `json:"id"`
	StrategyID  string      `json:"strategy_id"`
	Venue       string      `json:"venue"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Quantity    float64     `json:"quantity"`
	Price       *float64    `json:"price,omitempty"` // nil for market orders
	RefPrice    float64     `json:"ref_price"`       // mark price at admission
	Status      OrderStatus `json:"status"`
	FilledQty   float64     `json:"filled_qty"`
	GroupID     string      `json:"group_id,omitempty"` // links OCO / trailing-stop legs
	AcceptedAt  time.Time   `json:"accepted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ReviewNote  string      `json:"review_note,omitempty"`
	VenueOrdRef string      `json:"venue_order_ref,omitempty"`
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Notional returns the order's notional value at the given reference price.
// A limit price takes precedence over the reference.
func (o *Order) Notional(refPrice float64) float64 {
	if o.Price != nil && *o.Price > 0 {
		return o.Quantity * *o.Price
	}
	return o.Quantity * refPrice
}

// Fill is a single execution against an order. Immutable once persisted;
// the venue-reported sequence orders fills for replay.
type Fill struct {
	FillID      string    `json:"fill_id"`
	OrderID     string    `json:"order_id"`
	Venue       string    `json:"venue"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	FeeCurrency string    `json:"fee_currency"`
	FeeAmount   float64   `json:"fee_amount"`
	VenueSeq    int64     `json:"venue_seq"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// Position is the cached net exposure for a (venue, symbol) key. It must
// always reconcile with a full fill replay for that key.
type Position struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	NetQty    float64   `json:"net_qty"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyFill folds one fill into the position, maintaining the
// volume-weighted average price. Buys increase net quantity, sells decrease.
func (p *Position) ApplyFill(f *Fill) {
	signed := f.Quantity
	if f.Side == SideSell {
		signed = -f.Quantity
	}

	newQty := p.NetQty + signed
	switch {
	case p.NetQty == 0 || (p.NetQty > 0) == (signed > 0):
		// Opening or adding: VWAP over the combined size
		total := abs(p.NetQty) + abs(signed)
		if total > 0 {
			p.AvgPrice = (p.AvgPrice*abs(p.NetQty) + f.Price*abs(signed)) / total
		}
	case (newQty > 0) != (p.NetQty > 0) && newQty != 0:
		// Flipped through zero: remaining size carries the fill price
		p.AvgPrice = f.Price
	case newQty == 0:
		p.AvgPrice = 0
	}
	p.NetQty = newQty
	p.UpdatedAt = f.ExecutedAt
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EquitySnapshot is an append-only per-venue timeseries point
type EquitySnapshot struct {
	ID            int64     `json:"id"`
	Venue         string    `json:"venue"`
	Equity        float64   `json:"equity"`
	Cash          float64   `json:"cash"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// CapitalAllocation is a persisted per-strategy budget quota
type CapitalAllocation struct {
	StrategyID string    `json:"strategy_id"`
	Budget     float64   `json:"budget"`
	Reason     string    `json:"reason"`
	Version    int64     `json:"version"`
	AdjustedAt time.Time `json:"adjusted_at"`
}

// AuditEntry records one executed control-plane or governance action
type AuditEntry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IdempotencyRecord caches the canonical result of a high-risk command so
// that retries with the same key never re-execute.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Result    json.RawMessage `json:"result"`
	FirstSeen time.Time       `json:"first_seen"`
}

// IsTerminal reports whether a status permits no further transitions.
// NEEDS_REVIEW is terminal for the engine; only an operator resolve command
// moves it (to CANCELED) outside the normal transition table.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCanceled, StatusExpired:
		return true
	}
	return false
}
