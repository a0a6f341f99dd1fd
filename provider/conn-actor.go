package provider

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
	promclient "github.com/spooky-finn/go-feedhub/infrastructure/prometheus"
)

var actorLogger = log.New(os.Stdout, "[conn-actor] ", log.LstdFlags)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

type ConnEventKind string

const (
	ConnUp    ConnEventKind = "up"
	ConnDown  ConnEventKind = "down"
	ConnFatal ConnEventKind = "fatal"
)

// ConnEvent is the actor's notification to the pool about connectivity
// transitions. Fatal means the bounded retry policy was exhausted.
type ConnEvent struct {
	Kind        ConnEventKind
	BatchID     int
	BackupIndex int
	Err         error
}

type ActorOptions struct {
	URL                string
	MaxConnectAttempts int
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	FrameBuffer        int
}

func (o *ActorOptions) withDefaults() {
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = config.MaxReconnectAttempts
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 256
	}
}

type subscribeCmd struct {
	key   domain.SubscriptionKey
	sink  *domain.Subscriber
	reply chan error
}

type unsubscribeCmd struct {
	key    domain.SubscriptionKey
	sinkID string
	reply  chan error
}

type reconnectCmd struct {
	url   string
	reply chan error
}

type replayCmd struct {
	keys  []domain.SubscriptionKey
	reply chan error
}

type demoteCmd struct {
	reply chan error
}

type inboundFrame struct {
	conn *websocket.Conn
	data []byte
}

type readFailure struct {
	conn *websocket.Conn
	err  error
}

// ConnActor owns exactly one socket to one venue. A single goroutine
// multiplexes inbound frames against mailbox commands, so the socket's write
// half and the local subscriber map are never touched by two operations at
// once. Events for one symbol are delivered in the order the socket produced
// them.
type ConnActor struct {
	exchange    domain.Exchange
	codec       Codec
	engine      *domain.BookEngine
	batchID     int
	backupIndex int
	opts        ActorOptions

	dispatcher *Dispatcher

	commands chan interface{}
	frames   chan inboundFrame
	readErrs chan readFailure
	stop     chan struct{}
	stopOnce sync.Once
	notices  chan ConnEvent

	mu    sync.Mutex
	state ConnState
	ready chan struct{}
	conn  *websocket.Conn
}

func NewConnActor(exchange domain.Exchange, codec Codec, engine *domain.BookEngine, batchID, backupIndex int, opts ActorOptions) *ConnActor {
	opts.withDefaults()
	if opts.URL == "" {
		opts.URL = codec.URL
	}

	return &ConnActor{
		exchange:    exchange,
		codec:       codec,
		engine:      engine,
		batchID:     batchID,
		backupIndex: backupIndex,
		opts:        opts,
		dispatcher:  NewDispatcher(),
		commands:    make(chan interface{}, 16),
		frames:      make(chan inboundFrame, opts.FrameBuffer),
		readErrs:    make(chan readFailure, 1),
		stop:        make(chan struct{}),
		notices:     make(chan ConnEvent, 16),
		state:       StateDisconnected,
		ready:       make(chan struct{}),
	}
}

func (a *ConnActor) Start() {
	go a.run()
}

// Stop closes the actor's mailbox processing and releases the socket.
func (a *ConnActor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

// Ready returns a channel closed once the actor reaches Connected. After a
// disconnect a fresh channel is installed, so callers must re-fetch it.
func (a *ConnActor) Ready() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *ConnActor) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateConnected
}

func (a *ConnActor) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *ConnActor) Notices() <-chan ConnEvent {
	return a.notices
}

func (a *ConnActor) BatchID() int     { return a.batchID }
func (a *ConnActor) BackupIndex() int { return a.backupIndex }

// Subscribe registers the sink for the key on this connection. The first
// local subscriber for a key triggers the venue subscribe frame. A nil sink
// keeps the venue subscription warm without local delivery (backups).
func (a *ConnActor) Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error {
	return a.send(subscribeCmd{key: key, sink: sink, reply: make(chan error, 1)})
}

// Unsubscribe removes one sink, or the whole key when sinkID is empty. The
// venue unsubscribe frame goes out when no subscribers remain.
func (a *ConnActor) Unsubscribe(key domain.SubscriptionKey, sinkID string) error {
	return a.send(unsubscribeCmd{key: key, sinkID: sinkID, reply: make(chan error, 1)})
}

// Reconnect replaces the socket in place. Local subscriber bookkeeping
// survives; venue-side subscriptions do not, the pool replays them.
func (a *ConnActor) Reconnect(url string) error {
	return a.send(reconnectCmd{url: url, reply: make(chan error, 1)})
}

// Replay re-emits the venue subscribe frames for the given keys regardless
// of local tracking. Used by the pool after a reconnect.
func (a *ConnActor) Replay(keys []domain.SubscriptionKey) error {
	return a.send(replayCmd{keys: keys, reply: make(chan error, 1)})
}

// Demote strips every local sink while keeping the venue subscriptions warm.
// The pool calls it when a former primary rejoins its batch as a standby.
func (a *ConnActor) Demote() error {
	return a.send(demoteCmd{reply: make(chan error, 1)})
}

func (a *ConnActor) send(cmd interface{}) error {
	var reply chan error
	switch c := cmd.(type) {
	case subscribeCmd:
		reply = c.reply
	case unsubscribeCmd:
		reply = c.reply
	case reconnectCmd:
		reply = c.reply
	case replayCmd:
		reply = c.reply
	case demoteCmd:
		reply = c.reply
	}

	select {
	case a.commands <- cmd:
	case <-a.stop:
		return domain.ErrNotConnected
	}

	select {
	case err := <-reply:
		return err
	case <-a.stop:
		return domain.ErrNotConnected
	}
}

func (a *ConnActor) run() {
	if err := a.connectWithRetry(StateConnecting); err != nil {
		a.notify(ConnEvent{Kind: ConnFatal, BatchID: a.batchID, BackupIndex: a.backupIndex, Err: err})
		a.Stop()
		return
	}
	a.notify(ConnEvent{Kind: ConnUp, BatchID: a.batchID, BackupIndex: a.backupIndex})

	ping := time.NewTicker(a.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-a.stop:
			a.closeSocket()
			return

		case frame := <-a.frames:
			if frame.conn != a.socket() {
				continue // residual frame from a replaced socket
			}
			a.handleFrame(frame.data)

		case fail := <-a.readErrs:
			if fail.conn != a.socket() {
				continue
			}
			actorLogger.Printf("read failed on %s batch=%d backup=%d: %v",
				a.exchange, a.batchID, a.backupIndex, fail.err)
			a.markDisconnected()
			a.notify(ConnEvent{Kind: ConnDown, BatchID: a.batchID, BackupIndex: a.backupIndex, Err: fail.err})

			if err := a.connectWithRetry(StateReconnecting); err != nil {
				a.notify(ConnEvent{Kind: ConnFatal, BatchID: a.batchID, BackupIndex: a.backupIndex, Err: err})
				a.Stop()
				return
			}
			a.notify(ConnEvent{Kind: ConnUp, BatchID: a.batchID, BackupIndex: a.backupIndex})

		case <-ping.C:
			if a.Connected() {
				if err := a.write([]byte("ping")); err != nil {
					actorLogger.Printf("ping failed on %s batch=%d backup=%d: %v",
						a.exchange, a.batchID, a.backupIndex, err)
				}
			}

		case cmd := <-a.commands:
			a.handleCommand(cmd)
		}
	}
}

// connectWithRetry keeps the mailbox serviced while dialing and during the
// backoff waits. Writes fail with ErrNotConnected until a socket is up, so a
// slot stuck reconnecting answers its callers instead of queueing them for
// the whole retry window.
func (a *ConnActor) connectWithRetry(state ConnState) error {
	bo := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	a.setState(state)

	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxConnectAttempts; attempt++ {
		res := a.dialAsync(a.opts.URL)
		var outcome dialResult
	dialing:
		for {
			select {
			case outcome = <-res:
				break dialing
			case cmd := <-a.commands:
				a.handleCommand(cmd)
				if a.Connected() {
					// a reconnect command beat the dial to a socket
					go discardDial(res)
					return nil
				}
			case <-a.stop:
				go discardDial(res)
				return domain.ErrNotConnected
			}
		}
		if outcome.err == nil {
			a.install(outcome.conn)
			actorLogger.Printf("connected to %s batch=%d backup=%d", a.exchange, a.batchID, a.backupIndex)
			return nil
		}
		lastErr = outcome.err
		actorLogger.Printf("connect attempt %d/%d to %s failed: %v",
			attempt, a.opts.MaxConnectAttempts, a.opts.URL, outcome.err)
		if attempt == a.opts.MaxConnectAttempts {
			break
		}

		wait := time.After(bo.Duration())
	waiting:
		for {
			select {
			case <-wait:
				break waiting
			case cmd := <-a.commands:
				a.handleCommand(cmd)
				if a.Connected() {
					return nil
				}
			case <-a.stop:
				return domain.ErrNotConnected
			}
		}
	}

	a.setState(StateDisconnected)
	return &domain.ConnectionError{
		Exchange: a.exchange,
		URL:      a.opts.URL,
		Attempts: a.opts.MaxConnectAttempts,
		Err:      lastErr,
	}
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

func (a *ConnActor) dialAsync(url string) <-chan dialResult {
	res := make(chan dialResult, 1)
	go func() {
		conn, err := a.dial(url)
		res <- dialResult{conn: conn, err: err}
	}()
	return res
}

// discardDial closes whatever an abandoned dial eventually produces.
func discardDial(res <-chan dialResult) {
	if r := <-res; r.conn != nil {
		r.conn.Close()
	}
}

func (a *ConnActor) dial(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	return conn, err
}

// install publishes a fresh socket: state goes to Connected, the readiness
// channel is closed and the read pump started.
func (a *ConnActor) install(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	if a.state != StateConnected {
		a.state = StateConnected
		close(a.ready)
	}
	a.mu.Unlock()

	go a.readPump(conn)
}

func (a *ConnActor) markDisconnected() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.state = StateReconnecting
	a.ready = make(chan struct{})
	a.mu.Unlock()
}

func (a *ConnActor) setState(s ConnState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *ConnActor) socket() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *ConnActor) closeSocket() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.state = StateDisconnected
	a.mu.Unlock()
}

func (a *ConnActor) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case a.readErrs <- readFailure{conn: conn, err: err}:
			case <-a.stop:
			}
			return
		}

		select {
		case a.frames <- inboundFrame{conn: conn, data: data}:
		case <-a.stop:
			return
		}
	}
}

func (a *ConnActor) handleFrame(data []byte) {
	if len(data) == 4 && string(data) == "pong" {
		return
	}

	events, err := a.codec.Parse(data)
	if err != nil {
		// One bad message never stops the connection.
		promclient.DecodeErrors.Inc()
		if config.DebugMode {
			actorLogger.Printf("dropping undecodable frame from %s: %v", a.exchange, err)
		}
		return
	}

	for _, ev := range events {
		if bu, ok := ev.(domain.BookUpdate); ok {
			a.engine.ApplyUpdate(bu.Symbol, a.backupIndex, bu.Side, bu.Price, bu.Qty, bu.IsSnapshot)
		}
		if n := a.dispatcher.Deliver(ev.Key(), ev); n > 0 {
			promclient.RoutedEvents.Add(float64(n))
		}
	}
}

func (a *ConnActor) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case subscribeCmd:
		first := a.dispatcher.Add(c.key, c.sink)
		var err error
		if first {
			frame, ferr := a.codec.SubscribeFrame(c.key.DataType, c.key.Symbol)
			if ferr != nil {
				a.dispatcher.Remove(c.key, "")
				err = ferr
			} else if werr := a.write(frame); werr != nil {
				// tracking survives a dead socket, the frame is replayed
				// on reconnect
				err = werr
			}
		}
		c.reply <- err

	case unsubscribeCmd:
		var err error
		if a.dispatcher.Remove(c.key, c.sinkID) {
			var frame []byte
			frame, err = a.codec.UnsubscribeFrame(c.key.DataType, c.key.Symbol)
			if err == nil {
				err = a.write(frame)
			}
		}
		c.reply <- err

	case reconnectCmd:
		conn, err := a.dial(c.url)
		if err != nil {
			c.reply <- err
			return
		}
		a.swapSocket(conn)
		c.reply <- nil

	case replayCmd:
		var firstErr error
		for _, key := range c.keys {
			frame, err := a.codec.SubscribeFrame(key.DataType, key.Symbol)
			if err == nil {
				err = a.write(frame)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.reply <- firstErr

	case demoteCmd:
		a.dispatcher.DropSinks()
		c.reply <- nil
	}
}

// swapSocket replaces the live socket while keeping all subscriber
// bookkeeping. The old read pump dies with the old socket and its residual
// frames are ignored by the conn identity check in run().
func (a *ConnActor) swapSocket(conn *websocket.Conn) {
	a.mu.Lock()
	old := a.conn
	a.conn = conn
	if a.state != StateConnected {
		a.state = StateConnected
		close(a.ready)
	}
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go a.readPump(conn)
}

// write is only ever reached from the actor goroutine.
func (a *ConnActor) write(data []byte) error {
	conn := a.socket()
	if conn == nil {
		return domain.ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *ConnActor) notify(ev ConnEvent) {
	select {
	case a.notices <- ev:
	default:
		actorLogger.Printf("notice channel full, dropping %s for batch=%d backup=%d",
			ev.Kind, ev.BatchID, ev.BackupIndex)
	}
}
