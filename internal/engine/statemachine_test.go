package engine

import (
	"testing"

	"trading-engine/internal/ledger"
)

var allStatuses = []ledger.OrderStatus{
	ledger.StatusAccepted,
	ledger.StatusPartiallyFilled,
	ledger.StatusFilled,
	ledger.StatusRejected,
	ledger.StatusCanceled,
	ledger.StatusExpired,
	ledger.StatusNeedsReview,
}

func TestTerminalStatesAbsorbing(t *testing.T) {
	terminals := []ledger.OrderStatus{
		ledger.StatusFilled, ledger.StatusRejected, ledger.StatusCanceled, ledger.StatusExpired,
	}
	for _, from := range terminals {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to ledger.OrderStatus
		want     bool
	}{
		{ledger.StatusAccepted, ledger.StatusPartiallyFilled, true},
		{ledger.StatusAccepted, ledger.StatusFilled, true},
		{ledger.StatusAccepted, ledger.StatusRejected, true},
		{ledger.StatusAccepted, ledger.StatusCanceled, true},
		{ledger.StatusAccepted, ledger.StatusExpired, true},
		{ledger.StatusAccepted, ledger.StatusNeedsReview, true},
		{ledger.StatusAccepted, ledger.StatusAccepted, false},
		{ledger.StatusPartiallyFilled, ledger.StatusFilled, true},
		{ledger.StatusPartiallyFilled, ledger.StatusPartiallyFilled, true},
		{ledger.StatusPartiallyFilled, ledger.StatusCanceled, true},
		{ledger.StatusPartiallyFilled, ledger.StatusRejected, false},
		{ledger.StatusPartiallyFilled, ledger.StatusAccepted, false},
		{ledger.StatusNeedsReview, ledger.StatusCanceled, true},
		{ledger.StatusNeedsReview, ledger.StatusFilled, false},
		{ledger.StatusNeedsReview, ledger.StatusAccepted, false},
		{ledger.StatusNeedsReview, ledger.StatusNeedsReview, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionReturnsTypedError(t *testing.T) {
	_, err := Transition(ledger.StatusFilled, ledger.StatusCanceled)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ErrInvalidTransition); !ok {
		t.Errorf("expected *ErrInvalidTransition, got %T", err)
	}

	got, err := Transition(ledger.StatusAccepted, ledger.StatusFilled)
	if err != nil || got != ledger.StatusFilled {
		t.Errorf("valid transition failed: %v %v", got, err)
	}
}
