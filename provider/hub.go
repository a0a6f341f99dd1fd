package provider

import (
	"sync"

	"github.com/spooky-finn/go-feedhub/domain"
)

// Hub is the boundary of the feed side: it owns one connection pool per
// exchange and the shared book engine behind them. Pools are created lazily
// on the first subscription for their venue.
type Hub struct {
	engine *domain.BookEngine

	mu    sync.Mutex
	pools map[domain.Exchange]*Pool
}

func NewHub(engine *domain.BookEngine) *Hub {
	return &Hub{
		engine: engine,
		pools:  make(map[domain.Exchange]*Pool),
	}
}

func (h *Hub) Engine() *domain.BookEngine {
	return h.engine
}

// Pool returns the venue's pool, building it on first use. An exchange
// without a codec is an error, not a nil pool.
func (h *Hub) Pool(exchange domain.Exchange) (*Pool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pool, ok := h.pools[exchange]; ok {
		return pool, nil
	}

	codec, err := CodecFor(exchange)
	if err != nil {
		return nil, err
	}

	factory := func(ex domain.Exchange, batchID, backupIndex int) Conn {
		return NewConnActor(ex, codec, h.engine, batchID, backupIndex, ActorOptions{})
	}
	pool := NewPool(exchange, h.engine, factory, PoolOptions{})
	h.pools[exchange] = pool
	return pool, nil
}

func (h *Hub) Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error {
	pool, err := h.Pool(key.Exchange)
	if err != nil {
		return err
	}
	return pool.Subscribe(key, sink)
}

func (h *Hub) Unsubscribe(key domain.SubscriptionKey, sinkID string) error {
	h.mu.Lock()
	pool, ok := h.pools[key.Exchange]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.Unsubscribe(key, sinkID)
}

// Snapshot reads the authoritative book for the key: the one maintained from
// the current primary connection of the key's batch.
func (h *Hub) Snapshot(key domain.SubscriptionKey) (*domain.FlatSnapshot, error) {
	h.mu.Lock()
	pool, ok := h.pools[key.Exchange]
	h.mu.Unlock()
	if !ok {
		return nil, domain.ErrBookNotFound
	}

	primary, err := pool.Primary(key)
	if err != nil {
		return nil, err
	}
	return h.engine.Snapshot(key.Symbol, primary)
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pool := range h.pools {
		pool.Stop()
	}
}
