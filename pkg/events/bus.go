package events

import (
	"sort"
	"sync"

	"github.com/odvcencio/browserd/pkg/logging"
)

// Sink receives events for one connection. Deliver must not block;
// it returns false when the connection's outbound buffer is full.
type Sink interface {
	Deliver(ev Event) bool
}

// Forwarder receives every published event, regardless of
// subscriptions. Used to bridge events onto external transports.
type Forwarder interface {
	ForwardEvent(ev Event)
}

type connEntry struct {
	sink Sink
	subs map[string]*Subscription
}

// Bus routes published browser events to matching subscriptions.
// Slow consumers are dropped rather than buffered without bound: when
// a sink reports a full buffer the whole connection is deregistered
// and the slow-consumer handler is invoked so the transport layer can
// close it.
type Bus struct {
	mu         sync.RWMutex
	conns      map[string]*connEntry
	subs       map[string]*Subscription
	forwarders []Forwarder

	logger *logging.Logger
	onSlow func(connID string)
}

// NewBus creates an event bus.
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		conns:  make(map[string]*connEntry),
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// OnSlowConsumer registers the callback invoked after a slow
// connection has been deregistered.
func (b *Bus) OnSlowConsumer(fn func(connID string)) {
	b.mu.Lock()
	b.onSlow = fn
	b.mu.Unlock()
}

// AddForwarder registers a Forwarder to receive all published events.
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, f)
	b.mu.Unlock()
}

// Register attaches a connection's sink. Subscriptions can only be
// created for registered connections.
func (b *Bus) Register(connID string, sink Sink) {
	b.mu.Lock()
	b.conns[connID] = &connEntry{
		sink: sink,
		subs: make(map[string]*Subscription),
	}
	b.mu.Unlock()
	metricConnections.Inc()
}

// Deregister removes a connection and all of its subscriptions.
// Safe to call for unknown connections.
func (b *Bus) Deregister(connID string) {
	b.mu.Lock()
	entry, ok := b.conns[connID]
	if ok {
		for id := range entry.subs {
			delete(b.subs, id)
		}
		delete(b.conns, connID)
	}
	b.mu.Unlock()

	if ok {
		metricConnections.Dec()
		metricSubscriptions.Sub(float64(len(entry.subs)))
		b.logger.Info(logging.CategoryEvents, "connection_deregistered", "removed connection and subscriptions", map[string]any{
			"client_id":     connID,
			"subscriptions": len(entry.subs),
		})
	}
}

// Subscribe creates an active subscription for the connection.
func (b *Bus) Subscribe(connID string, types []Type, filters Filters) (*Subscription, error) {
	sub, err := newSubscription(connID, types, filters)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	entry, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return nil, errUnknownConnection(connID)
	}
	entry.subs[sub.ID] = sub
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	metricSubscriptions.Inc()
	b.logger.Info(logging.CategoryEvents, "subscribed", "subscription created", map[string]any{
		"client_id":       connID,
		"subscription_id": sub.ID,
	})
	return sub, nil
}

// Unsubscribe removes a subscription by ID. Removing an unknown or
// already-removed subscription is not an error; the bool reports
// whether anything was removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		if entry, found := b.conns[sub.ConnID]; found {
			delete(entry.subs, id)
		}
	}
	b.mu.Unlock()

	if ok {
		metricSubscriptions.Dec()
	}
	return ok
}

// List returns the connection's subscriptions ordered by creation time.
func (b *Bus) List(connID string) []Info {
	b.mu.RLock()
	entry, ok := b.conns[connID]
	var subs []*Subscription
	if ok {
		subs = make([]*Subscription, 0, len(entry.subs))
		for _, s := range entry.subs {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})

	infos := make([]Info, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, s.Info())
	}
	return infos
}

// Publish routes an event to every connection with at least one
// matching subscription. Matching runs against a snapshot taken under
// the read lock; registry changes during delivery do not affect this
// event. A connection receives the event at most once per publish.
func (b *Bus) Publish(ev Event) {
	type target struct {
		connID string
		sink   Sink
	}

	b.mu.RLock()
	var targets []target
	for connID, entry := range b.conns {
		for _, sub := range entry.subs {
			if sub.Matches(ev) {
				targets = append(targets, target{connID: connID, sink: entry.sink})
				break
			}
		}
	}
	forwarders := b.forwarders
	b.mu.RUnlock()

	metricPublished.WithLabelValues(string(ev.Type)).Inc()

	for _, t := range targets {
		if !t.sink.Deliver(ev) {
			go b.dropSlow(t.connID)
		}
	}

	for _, f := range forwarders {
		f.ForwardEvent(ev)
	}
}

// dropSlow deregisters a connection whose buffer overflowed and
// notifies the transport layer.
func (b *Bus) dropSlow(connID string) {
	b.mu.RLock()
	_, stillThere := b.conns[connID]
	onSlow := b.onSlow
	b.mu.RUnlock()
	if !stillThere {
		return
	}

	metricSlowConsumers.Inc()
	b.logger.Warn(logging.CategoryEvents, "slow_consumer", "dropping connection with full buffer", map[string]any{
		"client_id": connID,
	})

	b.Deregister(connID)
	if onSlow != nil {
		onSlow(connID)
	}
}
