// Package events provides the typed topic bus that decouples the execution
// path (risk gate, ledger) from the governance daemon and capital allocator.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies an event stream on the bus
type Topic string

const (
	TopicRiskReject       Topic = "risk.reject"
	TopicMetricsUpdate    Topic = "metrics.update"
	TopicAlertGovernance  Topic = "alert.governance"
	TopicAlertVenue       Topic = "alert.venue"
	TopicUniverseUpdate   Topic = "universe.update"
	TopicModelPromoted    Topic = "model.promoted"
	TopicLedgerChanged    Topic = "ledger.changed"
	TopicGovernanceAction Topic = "governance.action"
	TopicAllocationUpdate Topic = "allocation.update"
)

// Event represents a single message on a topic
type Event struct {
	Topic     Topic                  `json:"topic"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler consumes events for one subscription
type Handler func(Event)

// DefaultQueueDepth is the per-subscriber buffer for internal subscribers.
const DefaultQueueDepth = 256

// subscriber owns a dedicated queue and drain goroutine so that delivery
// order to a given subscriber always matches publish order on its topic.
type subscriber struct {
	name     string
	queue    chan Event
	external bool
	dropped  int64
}

// Bus is the in-process publish/subscribe hub. Internal subscribers get
// blocking (backpressured) delivery; external subscribers are best-effort.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Topic][]*subscriber
	allSubs  []*subscriber
	closed   bool
	pubWG    sync.WaitGroup
	drainWG  sync.WaitGroup
	stopOnce sync.Once
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]*subscriber),
	}
}

func (b *Bus) attach(name string, external bool, handler Handler) *subscriber {
	sub := &subscriber{
		name:     name,
		queue:    make(chan Event, DefaultQueueDepth),
		external: external,
	}
	b.drainWG.Add(1)
	go func() {
		defer b.drainWG.Done()
		for ev := range sub.queue {
			handler(ev)
		}
	}()
	return sub
}

// Subscribe registers an internal subscriber for a topic. Delivery is
// backpressured: a full queue blocks the publisher rather than dropping.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs[topic] = append(b.subs[topic], b.attach(name, false, handler))
}

// SubscribeAll registers an internal subscriber for every topic
func (b *Bus) SubscribeAll(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.allSubs = append(b.allSubs, b.attach(name, false, handler))
}

// SubscribeAllExternal registers a best-effort subscriber for every topic.
// Events are dropped (and counted) when its queue is full; telemetry
// consumers must never be able to stall the execution path.
func (b *Bus) SubscribeAllExternal(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.allSubs = append(b.allSubs, b.attach(name, true, handler))
}

// Publish delivers an event to all subscribers of its topic
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs[event.Topic])+len(b.allSubs))
	targets = append(targets, b.subs[event.Topic]...)
	targets = append(targets, b.allSubs...)
	// Registered while closed was still false, so Close will wait for the
	// sends below before closing any queue.
	b.pubWG.Add(1)
	b.mu.RUnlock()
	defer b.pubWG.Done()

	for _, sub := range targets {
		if sub.external {
			select {
			case sub.queue <- event:
			default:
				atomic.AddInt64(&sub.dropped, 1)
			}
			continue
		}
		sub.queue <- event
	}
}

// Close stops delivery and waits for subscriber queues to drain. Publishers
// caught mid-delivery finish first; the drain goroutines keep consuming
// until then, so a backpressured send never lands on a closed queue.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		var all []*subscriber
		for _, subs := range b.subs {
			all = append(all, subs...)
		}
		all = append(all, b.allSubs...)
		b.mu.Unlock()

		b.pubWG.Wait()
		for _, sub := range all {
			close(sub.queue)
		}
		b.drainWG.Wait()
	})
}

// PublishRiskReject publishes a risk rail rejection
func (b *Bus) PublishRiskReject(strategyID, venue, symbol, reason string, notional float64) {
	b.Publish(Event{
		Topic: TopicRiskReject,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"venue":       venue,
			"symbol":      symbol,
			"reason":      reason,
			"notional":    notional,
		},
	})
}

// PublishLedgerChanged mirrors a durable ledger write for telemetry consumers
func (b *Bus) PublishLedgerChanged(table, key string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"table": table,
		"key":   key,
	}
	for k, v := range fields {
		data[k] = v
	}
	b.Publish(Event{Topic: TopicLedgerChanged, Data: data})
}

// PublishMetricsUpdate publishes derived performance metrics
func (b *Bus) PublishMetricsUpdate(data map[string]interface{}) {
	b.Publish(Event{Topic: TopicMetricsUpdate, Data: data})
}

// PublishGovernanceAction publishes an executed governance action
func (b *Bus) PublishGovernanceAction(actor, action string, params map[string]interface{}) {
	data := map[string]interface{}{
		"actor":  actor,
		"action": action,
	}
	for k, v := range params {
		data[k] = v
	}
	b.Publish(Event{Topic: TopicGovernanceAction, Data: data})
}

// PublishUniverseUpdate publishes a symbol allowlist extension
func (b *Bus) PublishUniverseUpdate(venue string, symbols []string) {
	b.Publish(Event{
		Topic: TopicUniverseUpdate,
		Data: map[string]interface{}{
			"venue":   venue,
			"symbols": symbols,
		},
	})
}

// PublishAlert publishes an operational alert on the given alert topic
func (b *Bus) PublishAlert(topic Topic, source, message string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	for k, v := range fields {
		data[k] = v
	}
	b.Publish(Event{Topic: topic, Data: data})
}

// PublishModelPromoted publishes an active model version change
func (b *Bus) PublishModelPromoted(version, previous string) {
	b.Publish(Event{
		Topic: TopicModelPromoted,
		Data: map[string]interface{}{
			"version":  version,
			"previous": previous,
		},
	})
}

// PublishAllocationUpdate publishes a committed capital allocation snapshot
func (b *Bus) PublishAllocationUpdate(version int64, budgets map[string]float64) {
	converted := make(map[string]interface{}, len(budgets))
	for k, v := range budgets {
		converted[k] = v
	}
	b.Publish(Event{
		Topic: TopicAllocationUpdate,
		Data: map[string]interface{}{
			"version": version,
			"budgets": converted,
		},
	})
}
