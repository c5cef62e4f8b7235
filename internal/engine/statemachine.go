package engine

import (
	"fmt"

	"trading-engine/internal/ledger"
)

// transitions is the full order lifecycle. Terminal states have no exits;
// NEEDS_REVIEW exits only to CANCELED and only through an operator
// resolve_review command.
var transitions = map[ledger.OrderStatus]map[ledger.OrderStatus]bool{
	ledger.StatusAccepted: {
		ledger.StatusPartiallyFilled: true,
		ledger.StatusFilled:          true,
		ledger.StatusRejected:        true,
		ledger.StatusCanceled:        true,
		ledger.StatusExpired:         true,
		ledger.StatusNeedsReview:     true,
	},
	ledger.StatusPartiallyFilled: {
		ledger.StatusPartiallyFilled: true,
		ledger.StatusFilled:          true,
		ledger.StatusCanceled:        true,
		ledger.StatusExpired:         true,
		ledger.StatusNeedsReview:     true,
	},
	ledger.StatusNeedsReview: {
		ledger.StatusCanceled: true,
	},
	ledger.StatusFilled:   {},
	ledger.StatusRejected: {},
	ledger.StatusCanceled: {},
	ledger.StatusExpired:  {},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to ledger.OrderStatus) bool {
	allowed, ok := transitions[from]
	return ok && allowed[to]
}

// ErrInvalidTransition describes a refused status change
type ErrInvalidTransition struct {
	From ledger.OrderStatus
	To   ledger.OrderStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// Transition validates and returns the target status
func Transition(from, to ledger.OrderStatus) (ledger.OrderStatus, error) {
	if !CanTransition(from, to) {
		return from, &ErrInvalidTransition{From: from, To: to}
	}
	return to, nil
}
