package provider

import (
	"github.com/spooky-finn/go-feedhub/domain"
	promclient "github.com/spooky-finn/go-feedhub/infrastructure/prometheus"
)

// Dispatcher maps subscription keys onto delivery sinks for one connection.
// It has no lock on purpose: it is owned by a single connection actor and
// only touched from that actor's loop.
type Dispatcher struct {
	subscribers map[domain.SubscriptionKey]map[string]*domain.Subscriber
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[domain.SubscriptionKey]map[string]*domain.Subscriber),
	}
}

// Add registers a sink under the key and reports whether the key is new on
// this connection (the caller then emits the venue subscribe frame).
// A nil sink tracks the key without a local subscriber: backup connections
// stay subscribed venue-side while only the primary delivers.
func (d *Dispatcher) Add(key domain.SubscriptionKey, sink *domain.Subscriber) (first bool) {
	sinks, ok := d.subscribers[key]
	if !ok {
		sinks = make(map[string]*domain.Subscriber)
		d.subscribers[key] = sinks
		first = true
	}
	if sink != nil {
		sinks[sink.ID] = sink
	}
	return first
}

// Remove drops one sink, or the whole key when sinkID is empty. It reports
// whether the key is no longer tracked (the caller then emits the venue
// unsubscribe frame). Removing an unknown sink never untracks a key, so
// sink-less backup tracking survives stray removals.
func (d *Dispatcher) Remove(key domain.SubscriptionKey, sinkID string) (gone bool) {
	sinks, ok := d.subscribers[key]
	if !ok {
		return false
	}

	if sinkID == "" {
		delete(d.subscribers, key)
		return true
	}

	if _, exists := sinks[sinkID]; !exists {
		return false
	}
	delete(sinks, sinkID)
	if len(sinks) == 0 {
		delete(d.subscribers, key)
		return true
	}
	return false
}

// Deliver fans the event out to every sink of the key. No subscribers is a
// normal condition (residual venue traffic during unsubscribe races) and the
// event is silently dropped. Full mailboxes drop too, they never block.
func (d *Dispatcher) Deliver(key domain.SubscriptionKey, ev domain.Event) (delivered int) {
	for _, sink := range d.subscribers[key] {
		if sink.TrySend(ev) {
			delivered++
		} else {
			promclient.DroppedDeliveries.Inc()
		}
	}
	return delivered
}

// DropSinks removes every sink from every key but keeps the keys tracked.
// A demoted primary keeps its venue subscriptions warm without delivering.
func (d *Dispatcher) DropSinks() {
	for key := range d.subscribers {
		d.subscribers[key] = make(map[string]*domain.Subscriber)
	}
}

// Tracked reports whether the key has been subscribed on this connection.
func (d *Dispatcher) Tracked(key domain.SubscriptionKey) bool {
	_, ok := d.subscribers[key]
	return ok
}

func (d *Dispatcher) Keys() []domain.SubscriptionKey {
	keys := make([]domain.SubscriptionKey, 0, len(d.subscribers))
	for key := range d.subscribers {
		keys = append(keys, key)
	}
	return keys
}
