// Package circuit provides a per-venue circuit breaker. After a run of
// consecutive venue failures the breaker opens and the engine stops new
// submissions to that venue, falling back to reconciliation-only mode until
// health recovers.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Submissions halted
	StateHalfOpen BreakerState = "half_open" // Probing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled             bool `json:"enabled"`
	MaxConsecutiveFails int  `json:"max_consecutive_fails"` // Failures before opening
	CooldownSeconds     int  `json:"cooldown_seconds"`      // Open duration before probe
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		MaxConsecutiveFails: 5,
		CooldownSeconds:     30,
	}
}

// Breaker tracks the health of one venue connection
type Breaker struct {
	venue            string
	config           *Config
	state            BreakerState
	consecutiveFails int
	lastTripTime     time.Time
	tripReason       string
	mu               sync.RWMutex
	onTrip           func(venue, reason string)
	onReset          func(venue string)
}

// NewBreaker creates a new breaker for a venue
func NewBreaker(venue string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		venue:  venue,
		config: config,
		state:  StateClosed,
	}
}

// OnTrip sets the callback fired when the breaker opens
func (b *Breaker) OnTrip(handler func(venue, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback fired when the breaker closes again
func (b *Breaker) OnReset(handler func(venue string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a new submission to the venue may proceed. When the
// cooldown has passed, a single probe is allowed in half-open state.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		cooldown := time.Duration(b.config.CooldownSeconds) * time.Second
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("venue %s circuit open, cooldown remaining: %v (reason: %s)",
				b.venue, remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
	}

	return true, ""
}

// RecordSuccess records a successful venue call
func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	b.consecutiveFails = 0
	recovered := b.state == StateHalfOpen
	if recovered {
		b.state = StateClosed
		b.tripReason = ""
	}
	onReset := b.onReset
	b.mu.Unlock()

	if recovered && onReset != nil {
		onReset(b.venue)
	}
}

// RecordFailure records a failed venue call and trips the breaker when the
// consecutive-failure threshold is reached. A failed half-open probe reopens
// immediately.
func (b *Breaker) RecordFailure(err error) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	b.consecutiveFails++
	shouldTrip := b.state == StateHalfOpen || b.consecutiveFails >= b.config.MaxConsecutiveFails
	var onTrip func(venue, reason string)
	var reason string
	if shouldTrip && b.state != StateOpen {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		reason = fmt.Sprintf("%d consecutive failures, last: %v", b.consecutiveFails, err)
		b.tripReason = reason
		onTrip = b.onTrip
	}
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(b.venue, reason)
	}
}

// ForceReset manually closes the breaker
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		onReset(b.venue)
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns current statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"venue":             b.venue,
		"state":             string(b.state),
		"consecutive_fails": b.consecutiveFails,
		"trip_reason":       b.tripReason,
		"last_trip_time":    b.lastTripTime,
	}
}
