package circuit

import (
	"errors"
	"testing"
	"time"
)

var errVenueDown = errors.New("connection refused")

// TestBreakerOpensAfterConsecutiveFailures verifies the trip threshold
func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("binance", &Config{Enabled: true, MaxConsecutiveFails: 3, CooldownSeconds: 30})

	for i := 0; i < 2; i++ {
		b.RecordFailure(errVenueDown)
		if ok, _ := b.Allow(); !ok {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure(errVenueDown)
	if b.State() != StateOpen {
		t.Errorf("Expected state open, got %s", b.State())
	}
	if ok, reason := b.Allow(); ok {
		t.Error("Expected Allow to deny while open")
	} else if reason == "" {
		t.Error("Expected a deny reason")
	}
}

// TestBreakerSuccessResetsCount verifies intermittent failures do not trip
func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("binance", &Config{Enabled: true, MaxConsecutiveFails: 3, CooldownSeconds: 30})

	for i := 0; i < 10; i++ {
		b.RecordFailure(errVenueDown)
		b.RecordFailure(errVenueDown)
		b.RecordSuccess()
	}

	if b.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", b.State())
	}
}

// TestBreakerHalfOpenProbe verifies recovery via a successful probe
func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("binance", &Config{Enabled: true, MaxConsecutiveFails: 1, CooldownSeconds: 0})

	b.RecordFailure(errVenueDown)
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	// Zero cooldown: the next Allow moves to half-open
	time.Sleep(time.Millisecond)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("Expected probe to be allowed after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("Expected half_open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State())
	}
}

// TestBreakerFailedProbeReopens verifies a failed half-open probe reopens
func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker("binance", &Config{Enabled: true, MaxConsecutiveFails: 5, CooldownSeconds: 0})

	for i := 0; i < 5; i++ {
		b.RecordFailure(errVenueDown)
	}
	time.Sleep(time.Millisecond)
	b.Allow() // moves to half-open

	b.RecordFailure(errVenueDown)
	if b.State() != StateOpen {
		t.Errorf("Expected reopened after failed probe, got %s", b.State())
	}
}

// TestBreakerCallbacks verifies trip and reset notifications
func TestBreakerCallbacks(t *testing.T) {
	b := NewBreaker("kraken", &Config{Enabled: true, MaxConsecutiveFails: 1, CooldownSeconds: 0})

	tripped := make(chan string, 1)
	reset := make(chan string, 1)
	b.OnTrip(func(venue, reason string) { tripped <- venue })
	b.OnReset(func(venue string) { reset <- venue })

	b.RecordFailure(errVenueDown)
	select {
	case v := <-tripped:
		if v != "kraken" {
			t.Errorf("Expected venue kraken, got %s", v)
		}
	default:
		t.Fatal("trip callback not fired")
	}

	b.ForceReset()
	select {
	case <-reset:
	default:
		t.Fatal("reset callback not fired")
	}
}

// TestBreakerDisabled verifies a disabled breaker never denies
func TestBreakerDisabled(t *testing.T) {
	b := NewBreaker("binance", &Config{Enabled: false, MaxConsecutiveFails: 1})

	for i := 0; i < 10; i++ {
		b.RecordFailure(errVenueDown)
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("disabled breaker must always allow")
	}
}
