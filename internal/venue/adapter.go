// Package venue defines the adapter contract between the engine and external
// trading counterparties. Concrete venue protocol implementations live
// outside this repo; the engine only depends on this interface.
package venue

import (
	"context"
	"errors"
	"time"
)

// Adapter errors that the engine distinguishes for retry decisions
var (
	// ErrTimeout means the venue did not answer in time. The order's fate is
	// unknown; the engine must query venue state before retrying.
	ErrTimeout = errors.New("venue request timed out")

	// ErrRejected means the venue explicitly refused the order. Terminal,
	// never retried.
	ErrRejected = errors.New("venue rejected order")

	// ErrRateLimited means the venue throttled the request. Transient.
	ErrRateLimited = errors.New("venue rate limited request")

	// ErrUnavailable means the venue connection is down. Transient.
	ErrUnavailable = errors.New("venue unavailable")
)

// IsTransient reports whether an adapter error warrants a retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// OrderRequest is the engine's submission payload. OrderID is the engine's
// durable identity; venues echo it so fills can be correlated.
type OrderRequest struct {
	OrderID  string
	Symbol   string
	Side     string // BUY or SELL
	Quantity float64
	Price    *float64 // nil for market orders
}

// Ack is the venue's acknowledgement of a submission or cancellation
type Ack struct {
	VenueOrderRef string
	AcceptedAt    time.Time
}

// FillEvent is one execution reported on the venue's fill stream. Seq is the
// venue-reported sequence; fills for an order are applied in Seq order.
type FillEvent struct {
	FillID      string
	OrderID     string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	FeeCurrency string
	FeeAmount   float64
	Seq         int64
	ExecutedAt  time.Time
}

// OrderUpdate is a venue-reported terminal status change that produces no
// fill, such as a venue-side cancel or a time-in-force expiry.
type OrderUpdate struct {
	OrderID string
	Symbol  string
	Status  string // CANCELED or EXPIRED
	Reason  string
}

// OpenOrder is a venue-reported working order, used for reconciliation
type OpenOrder struct {
	OrderID       string
	VenueOrderRef string
	Symbol        string
	Side          string
	Quantity      float64
	RemainingQty  float64
}

// PositionReport is a venue-reported net position, used for reconciliation
type PositionReport struct {
	Symbol string
	NetQty float64
}

// Balance is a venue-reported account balance snapshot
type Balance struct {
	Equity        float64
	Cash          float64
	UnrealizedPnL float64
}

// Credentials authenticate an adapter against its venue
type Credentials struct {
	APIKey    string
	APISecret string
}

// Adapter is the uniform order-submission and fill-stream interface every
// venue connection must provide.
type Adapter interface {
	// Name returns the venue identifier used as the ledger venue key
	Name() string

	// SubmitOrder submits an order. ErrTimeout means unknown outcome.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Ack, error)

	// CancelOrder cancels a working order by engine order ID
	CancelOrder(ctx context.Context, orderID string) error

	// Fills returns the venue execution stream. The channel is closed when
	// the adapter shuts down.
	Fills() <-chan FillEvent

	// Updates returns the stream of terminal status changes that arrive
	// outside the fill path. Closed when the adapter shuts down.
	Updates() <-chan OrderUpdate

	// QueryOpenOrders returns venue truth for working orders
	QueryOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// QueryPositions returns venue truth for net positions
	QueryPositions(ctx context.Context) ([]PositionReport, error)

	// QueryBalance returns the venue account balance
	QueryBalance(ctx context.Context) (*Balance, error)
}
