package server

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
)

var sessionLogger = log.New(os.Stdout, "[session] ", log.LstdFlags)

const (
	// maxEgress caps the per-session outbound queue; beyond it the oldest
	// frames are shed so a slow reader lags instead of ballooning memory.
	maxEgress = 100

	heartbeatPeriod = 30 * time.Second
	deadAfter       = 60 * time.Second
	writeWait       = 10 * time.Second
)

type request struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
}

type response struct {
	Event    string      `json:"event"`
	Channel  string      `json:"channel,omitempty"`
	Message  string      `json:"message,omitempty"`
	Session  string      `json:"sessionId,omitempty"`
	Channels []string    `json:"channels,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Session is one websocket client. It owns a single delivery sink shared by
// all of its subscriptions; the write half drains a bounded deque so feed
// pressure never blocks the dispatch path.
type Session struct {
	id      string
	conn    *websocket.Conn
	broker  Broker
	catalog *SymbolCatalog
	sink    *domain.Subscriber

	mu     sync.Mutex
	egress *deque.Deque[[]byte]
	subs   map[domain.SubscriptionKey]struct{}

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(id string, conn *websocket.Conn, broker Broker, catalog *SymbolCatalog, onClose func(*Session)) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		broker:  broker,
		catalog: catalog,
		sink:    domain.NewSubscriber(id, config.SubscriberBuffer),
		egress:  deque.New[[]byte](),
		subs:    make(map[domain.SubscriptionKey]struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Session) run() {
	go s.fanIn()
	go s.writePump()
	s.readPump()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		keys := make([]domain.SubscriptionKey, 0, len(s.subs))
		for key := range s.subs {
			keys = append(keys, key)
		}
		s.mu.Unlock()

		for _, key := range keys {
			if err := s.broker.Unsubscribe(key, s.id); err != nil {
				sessionLogger.Printf("cleanup unsubscribe %s for session %s failed: %v", key.Channel(), s.id, err)
			}
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		sessionLogger.Printf("session %s closed", s.id)
	})
}

func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(deadAfter))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(deadAfter))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(deadAfter))
		s.handleRequest(data)
	}
}

func (s *Session) handleRequest(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(response{Event: "error", Message: "malformed request"})
		return
	}

	switch req.Event {
	case "subscribe":
		s.handleSubscribe(req.Channel)
	case "unsubscribe":
		s.handleUnsubscribe(req.Channel)
	case "status":
		s.handleStatus()
	default:
		s.reply(response{Event: "error", Message: "unknown event " + req.Event})
	}
}

func (s *Session) handleSubscribe(channel string) {
	key, err := domain.ParseChannel(channel)
	if err != nil {
		s.reply(response{Event: "error", Channel: channel, Message: err.Error()})
		return
	}

	// validation against the symbol catalog only when it is warm; a cold
	// catalog never blocks a subscribe
	if s.catalog != nil {
		if known, warm := s.catalog.Known(key.Exchange, key.Symbol); warm && !known {
			s.reply(response{Event: "error", Channel: channel, Message: "unknown symbol " + key.Symbol})
			return
		}
	}

	if err := s.broker.Subscribe(key, s.sink); err != nil {
		s.reply(response{Event: "error", Channel: channel, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.subs[key] = struct{}{}
	s.mu.Unlock()

	s.reply(response{Event: "subscribed", Channel: key.Channel()})
}

func (s *Session) handleUnsubscribe(channel string) {
	key, err := domain.ParseChannel(channel)
	if err != nil {
		s.reply(response{Event: "error", Channel: channel, Message: err.Error()})
		return
	}

	if err := s.broker.Unsubscribe(key, s.id); err != nil {
		s.reply(response{Event: "error", Channel: channel, Message: err.Error()})
		return
	}

	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()

	s.reply(response{Event: "unsubscribed", Channel: key.Channel()})
}

func (s *Session) handleStatus() {
	s.mu.Lock()
	channels := make([]string, 0, len(s.subs))
	for key := range s.subs {
		channels = append(channels, key.Channel())
	}
	s.mu.Unlock()

	s.reply(response{Event: "status", Session: s.id, Channels: channels})
}

// fanIn converts feed events from the sink into wire frames.
func (s *Session) fanIn() {
	for {
		select {
		case ev := <-s.sink.C:
			s.reply(envelope(ev))
		case <-s.done:
			return
		}
	}
}

func envelope(ev domain.Event) response {
	// the channel string tells the client what the payload is; Promotion is
	// the one control event without a channel
	if _, ok := ev.(domain.Promotion); ok {
		return response{Event: "promotion", Payload: ev}
	}
	return response{Event: "data", Channel: ev.Key().Channel(), Payload: ev}
}

func (s *Session) reply(r response) {
	data, err := json.Marshal(r)
	if err != nil {
		sessionLogger.Printf("marshal response for session %s failed: %v", s.id, err)
		return
	}
	s.enqueue(data)
}

func (s *Session) enqueue(frame []byte) {
	s.mu.Lock()
	if s.egress.Len() >= maxEgress {
		s.egress.PopFront()
	}
	s.egress.PushBack(frame)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) writePump() {
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	defer s.close()

	for {
		select {
		case <-s.kick:
			if !s.drain() {
				return
			}
		case <-heartbeat.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			s.enqueue([]byte(`{"event":"hb"}`))
		case <-s.done:
			return
		}
	}
}

func (s *Session) drain() bool {
	for {
		s.mu.Lock()
		if s.egress.Len() == 0 {
			s.mu.Unlock()
			return true
		}
		frame := s.egress.PopFront()
		s.mu.Unlock()

		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
	}
}
