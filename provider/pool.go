package provider

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/spooky-finn/go-feedhub/helpers"
	promclient "github.com/spooky-finn/go-feedhub/infrastructure/prometheus"
)

var poolLogger = log.New(os.Stdout, "[conn-pool] ", log.LstdFlags)

// Conn is what the pool requires from a venue connection. *ConnActor is the
// production implementation; tests substitute fakes.
type Conn interface {
	Start()
	Stop()
	Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error
	Unsubscribe(key domain.SubscriptionKey, sinkID string) error
	Replay(keys []domain.SubscriptionKey) error
	Demote() error
	Reconnect(url string) error
	Ready() <-chan struct{}
	Connected() bool
	Notices() <-chan ConnEvent
}

// ConnFactory builds one connection for a (batch, backup index) slot.
type ConnFactory func(exchange domain.Exchange, batchID, backupIndex int) Conn

type PoolOptions struct {
	BatchDim       int
	BackupDim      int
	ConnectTimeout time.Duration
	IdleTeardown   time.Duration
}

func (o *PoolOptions) withDefaults() {
	if o.BatchDim <= 0 {
		o.BatchDim = config.BatchDim
	}
	if o.BackupDim <= 0 {
		o.BackupDim = config.BackupDim
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.ConnectTimeout
	}
	if o.IdleTeardown <= 0 {
		o.IdleTeardown = config.BatchIdleTeardown
	}
}

// batch is one group of redundant connections. Index 0 starts as primary;
// after a failover the primary moves to the lowest healthy standby and never
// moves back on its own.
type batch struct {
	id      int
	conns   []Conn
	primary int

	// alive goes false once a slot exhausts its reconnect budget; up tracks
	// the live socket state reported by the slot's notices.
	alive []bool
	up    []bool

	subCount  int
	keys      map[domain.SubscriptionKey]struct{}
	idleTimer *time.Timer
}

func (b *batch) keyList() []domain.SubscriptionKey {
	keys := make([]domain.SubscriptionKey, 0, len(b.keys))
	for key := range b.keys {
		keys = append(keys, key)
	}
	return keys
}

// Pool allocates venue connections in batches of redundant sockets and owns
// the subscription-to-batch placement for one exchange. All state sits behind
// one mutex; connection actors are called with it held, which is safe because
// actors never call back into the pool.
type Pool struct {
	exchange domain.Exchange
	engine   *domain.BookEngine
	factory  ConnFactory
	opts     PoolOptions

	mu          sync.Mutex
	batches     map[int]*batch
	openBatchID int
	nextBatchID int
	keyBatch    map[domain.SubscriptionKey]int
	sinks       map[domain.SubscriptionKey]map[string]*domain.Subscriber

	done     chan struct{}
	stopOnce sync.Once
}

func NewPool(exchange domain.Exchange, engine *domain.BookEngine, factory ConnFactory, opts PoolOptions) *Pool {
	opts.withDefaults()
	return &Pool{
		exchange:    exchange,
		engine:      engine,
		factory:     factory,
		opts:        opts,
		batches:     make(map[int]*batch),
		openBatchID: -1,
		keyBatch:    make(map[domain.SubscriptionKey]int),
		sinks:       make(map[domain.SubscriptionKey]map[string]*domain.Subscriber),
		done:        make(chan struct{}),
	}
}

// Subscribe places the key on a batch and attaches the sink to the batch's
// primary. A key already placed is re-used: the sink piggybacks on the
// existing venue subscription. The first key of a new batch blocks until the
// batch's primary connection is ready.
func (p *Pool) Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if batchID, ok := p.keyBatch[key]; ok {
		b := p.batches[batchID]
		p.attachSinkLocked(b, key, sink)
		return nil
	}

	b, err := p.placementLocked()
	if err != nil {
		return err
	}

	b.keys[key] = struct{}{}
	b.subCount++
	p.keyBatch[key] = b.id
	promclient.ActiveSubscriptionsGauge.Inc()

	if key.DataType == domain.DataTypeBook {
		for i := range b.conns {
			p.engine.Register(key.Symbol, i)
		}
	}

	var primaryErr error
	for i, conn := range b.conns {
		if !b.alive[i] {
			continue
		}
		var s *domain.Subscriber
		if i == b.primary {
			s = sink
		}
		if err := conn.Subscribe(key, s); err != nil {
			if i == b.primary {
				primaryErr = err
			}
			poolLogger.Printf("subscribe %s on batch=%d backup=%d failed: %v", key.Channel(), b.id, i, err)
		}
	}

	if sink != nil {
		p.recordSinkLocked(key, sink)
	}

	// A dead primary socket is not fatal here: tracking is in place and the
	// frame goes out on the reconnect replay.
	if primaryErr != nil && !errors.Is(primaryErr, domain.ErrNotConnected) {
		return primaryErr
	}
	return nil
}

// Unsubscribe detaches one sink, or the whole key when sinkID is empty. The
// venue-side unsubscribe fans out to every connection of the batch once the
// last sink is gone. Unknown keys are a no-op.
func (p *Pool) Unsubscribe(key domain.SubscriptionKey, sinkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batchID, ok := p.keyBatch[key]
	if !ok {
		return nil
	}
	b := p.batches[batchID]

	if sinkID != "" {
		sinks := p.sinks[key]
		if _, exists := sinks[sinkID]; !exists {
			return nil
		}
		delete(sinks, sinkID)
		if len(sinks) > 0 {
			return b.conns[b.primary].Unsubscribe(key, sinkID)
		}
	}

	delete(p.sinks, key)
	delete(p.keyBatch, key)
	delete(b.keys, key)
	b.subCount--
	promclient.ActiveSubscriptionsGauge.Dec()

	for i, conn := range b.conns {
		if !b.alive[i] {
			continue
		}
		if err := conn.Unsubscribe(key, ""); err != nil {
			poolLogger.Printf("unsubscribe %s on batch=%d backup=%d failed: %v", key.Channel(), b.id, i, err)
		}
	}

	if key.DataType == domain.DataTypeBook {
		p.engine.Deregister(key.Symbol)
	}

	if b.subCount <= 0 {
		p.armIdleTimerLocked(b)
	}
	return nil
}

// Primary reports which backup index currently serves reads for the key.
func (p *Pool) Primary(key domain.SubscriptionKey) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	batchID, ok := p.keyBatch[key]
	if !ok {
		return 0, domain.ErrBookNotFound
	}
	return p.batches[batchID].primary, nil
}

// Stop tears down every connection of every batch.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, b := range p.batches {
		if b.idleTimer != nil {
			b.idleTimer.Stop()
		}
		for i, conn := range b.conns {
			conn.Stop()
			if b.up[i] {
				b.up[i] = false
				promclient.OpenConnectionsGauge.Dec()
			}
		}
		delete(p.batches, id)
	}
	p.openBatchID = -1
}

// attachSinkLocked adds a sink for an already placed key. The subscribe is
// re-issued to every connection of the batch; tracked keys emit no duplicate
// venue frame, and the sink lands on the primary only.
func (p *Pool) attachSinkLocked(b *batch, key domain.SubscriptionKey, sink *domain.Subscriber) {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}

	for i, conn := range b.conns {
		if !b.alive[i] {
			continue
		}
		var s *domain.Subscriber
		if i == b.primary {
			s = sink
		}
		if err := conn.Subscribe(key, s); err != nil {
			poolLogger.Printf("re-subscribe %s on batch=%d backup=%d failed: %v", key.Channel(), b.id, i, err)
		}
	}

	if sink != nil {
		p.recordSinkLocked(key, sink)
	}
}

func (p *Pool) recordSinkLocked(key domain.SubscriptionKey, sink *domain.Subscriber) {
	sinks, ok := p.sinks[key]
	if !ok {
		sinks = make(map[string]*domain.Subscriber)
		p.sinks[key] = sinks
	}
	sinks[sink.ID] = sink
}

// placementLocked returns the batch that accepts the next key, allocating a
// fresh one when the open batch is at capacity or absent. The counter is
// zero-initialized at allocation, so the batchDim'th distinct key on the
// venue is the one that opens the next batch.
func (p *Pool) placementLocked() (*batch, error) {
	if p.openBatchID >= 0 {
		b := p.batches[p.openBatchID]
		if b != nil && b.subCount < p.opts.BatchDim-1 {
			if b.idleTimer != nil {
				b.idleTimer.Stop()
				b.idleTimer = nil
			}
			return b, nil
		}
	}
	return p.allocateBatchLocked()
}

func (p *Pool) allocateBatchLocked() (*batch, error) {
	b := &batch{
		id:    p.nextBatchID,
		conns: make([]Conn, p.opts.BackupDim),
		alive: make([]bool, p.opts.BackupDim),
		up:    make([]bool, p.opts.BackupDim),
		keys:  make(map[domain.SubscriptionKey]struct{}),
	}
	p.nextBatchID++

	for i := range b.conns {
		b.conns[i] = p.factory(p.exchange, b.id, i)
		b.alive[i] = true
		b.conns[i].Start()
	}
	p.batches[b.id] = b
	p.openBatchID = b.id

	for i, conn := range b.conns {
		go p.watch(b.id, i, conn)
	}

	// The primary gates the whole allocation; slow standbys come up later
	// through their notices.
	for i, conn := range b.conns {
		if helpers.Await(conn.Ready(), p.opts.ConnectTimeout) {
			if !b.up[i] {
				b.up[i] = true
				promclient.OpenConnectionsGauge.Inc()
			}
			continue
		}
		if i == 0 {
			p.teardownBatchLocked(b)
			return nil, fmt.Errorf("%w: primary of batch %d on %s not ready within %s",
				domain.ErrCapacityExceeded, b.id, p.exchange, p.opts.ConnectTimeout)
		}
		poolLogger.Printf("standby batch=%d backup=%d on %s not ready yet", b.id, i, p.exchange)
	}

	poolLogger.Printf("allocated batch=%d on %s with %d connections", b.id, p.exchange, p.opts.BackupDim)
	return b, nil
}

func (p *Pool) teardownBatchLocked(b *batch) {
	for i, conn := range b.conns {
		conn.Stop()
		if b.up[i] {
			b.up[i] = false
			promclient.OpenConnectionsGauge.Dec()
		}
	}
	delete(p.batches, b.id)
	if p.openBatchID == b.id {
		p.openBatchID = -1
	}
}

func (p *Pool) armIdleTimerLocked(b *batch) {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
	}
	id := b.id
	b.idleTimer = time.AfterFunc(p.opts.IdleTeardown, func() {
		p.decommission(id)
	})
}

func (p *Pool) decommission(batchID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[batchID]
	if !ok || b.subCount > 0 {
		return
	}

	poolLogger.Printf("decommissioning idle batch=%d on %s", batchID, p.exchange)
	p.teardownBatchLocked(b)
}

// watch consumes one connection's notices for the lifetime of the pool.
func (p *Pool) watch(batchID, backupIndex int, conn Conn) {
	for {
		select {
		case ev := <-conn.Notices():
			switch ev.Kind {
			case ConnUp:
				p.handleUp(batchID, backupIndex, conn)
			case ConnDown:
				p.handleDown(batchID, backupIndex, false, ev.Err)
			case ConnFatal:
				p.handleDown(batchID, backupIndex, true, ev.Err)
			}
		case <-p.done:
			return
		}
	}
}

func (p *Pool) handleUp(batchID, backupIndex int, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[batchID]
	if !ok {
		return
	}
	if b.up[backupIndex] {
		return // allocation already accounted for the first up
	}
	b.up[backupIndex] = true
	promclient.OpenConnectionsGauge.Inc()

	// Venue-side subscriptions did not survive the reconnect; the local
	// dispatcher did. A rejoining former primary also sheds its sinks.
	if backupIndex != b.primary {
		if err := conn.Demote(); err != nil {
			poolLogger.Printf("demote batch=%d backup=%d failed: %v", batchID, backupIndex, err)
		}
	}
	if err := conn.Replay(b.keyList()); err != nil {
		poolLogger.Printf("replay on batch=%d backup=%d failed: %v", batchID, backupIndex, err)
	}
}

func (p *Pool) handleDown(batchID, backupIndex int, fatal bool, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.batches[batchID]
	if !ok {
		return
	}

	if b.up[backupIndex] {
		b.up[backupIndex] = false
		promclient.OpenConnectionsGauge.Dec()
	}
	if fatal {
		b.alive[backupIndex] = false
		poolLogger.Printf("batch=%d backup=%d on %s gave up reconnecting: %v", batchID, backupIndex, p.exchange, cause)
	}

	// The slot's books can no longer be trusted.
	for key := range b.keys {
		if key.DataType == domain.DataTypeBook {
			p.engine.Disconnect(key.Symbol, backupIndex)
		}
	}

	if backupIndex == b.primary {
		p.promoteLocked(b)
	}
}

// promoteLocked moves the primary role to the lowest-indexed live standby
// and re-attaches every sink there. Without a live standby the primary stays
// put and delivery pauses until its socket recovers.
func (p *Pool) promoteLocked(b *batch) {
	next := -1
	for i := range b.conns {
		if i != b.primary && b.alive[i] && b.up[i] {
			next = i
			break
		}
	}
	if next < 0 {
		poolLogger.Printf("batch=%d on %s lost its primary with no live standby", b.id, p.exchange)
		return
	}

	old := b.primary
	b.primary = next
	poolLogger.Printf("batch=%d on %s promoted backup=%d to primary (was %d)", b.id, p.exchange, next, old)

	for key := range b.keys {
		for _, sink := range p.sinks[key] {
			if err := b.conns[next].Subscribe(key, sink); err != nil {
				poolLogger.Printf("re-attach sink %s on batch=%d backup=%d failed: %v", sink.ID, b.id, next, err)
			}
		}
	}

	notice := domain.Promotion{Exchange: p.exchange, BatchID: b.id, BackupIndex: next}
	seen := make(map[string]struct{})
	for key := range b.keys {
		for id, sink := range p.sinks[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sink.TrySend(notice)
		}
	}
}
