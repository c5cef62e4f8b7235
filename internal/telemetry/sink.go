// Package telemetry mirrors the event bus outward: an append-only JSON-lines
// stream for log shipping and a websocket hub for dashboards. Both paths are
// best-effort; a slow or broken consumer never applies backpressure to the
// trading path.
package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"trading-engine/internal/events"
)

// Sink writes every bus event as one JSON object per line
type Sink struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewSink creates a sink writing to the given path, or stdout when the
// path is empty
func NewSink(path string) (*Sink, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
		closer = f
	}

	return &Sink{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		closer: closer,
	}, nil
}

// Attach registers the sink as an external bus subscriber. Events arriving
// while the sink's queue is full are dropped, never blocked on.
func (s *Sink) Attach(bus *events.Bus) {
	bus.SubscribeAllExternal("telemetry-sink", func(ev events.Event) {
		s.logger.Info().
			Str("topic", string(ev.Topic)).
			Time("event_ts", ev.Timestamp).
			Fields(ev.Data).
			Msg("event")
	})
}

// Close flushes and closes the underlying file if one is open
func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
