// Package server exposes the feed over a websocket gateway plus a small REST
// surface for book snapshots and the venue symbol catalog.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/spooky-finn/go-feedhub/usecase"
)

var logger = log.New(os.Stdout, "[server] ", log.LstdFlags)

// Broker is the feed boundary the gateway talks to.
type Broker interface {
	Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error
	Unsubscribe(key domain.SubscriptionKey, sinkID string) error
}

type Server struct {
	broker    Broker
	snapshots *usecase.BookSnapshotUseCase
	catalog   *SymbolCatalog

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(broker Broker, snapshots *usecase.BookSnapshotUseCase, catalog *SymbolCatalog) *Server {
	return &Server{
		broker:    broker,
		snapshots: snapshots,
		catalog:   catalog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWs)
	mux.HandleFunc("/symbols", s.handleExchanges)
	mux.HandleFunc("/symbols/", s.handleSymbols)
	mux.HandleFunc("/orderbook/", s.handleOrderbook)
	return mux
}

func (s *Server) Run(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Printf("gateway listening at %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": n,
	})
}

func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	session := newSession(id, conn, s.broker, s.catalog, s.dropSession)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	logger.Printf("session %s connected from %s", id, r.RemoteAddr)
	go session.run()
}

func (s *Server) dropSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()
}

// handleExchanges serves GET /symbols: the venues this hub knows about.
func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchanges": domain.ExchangeNames(),
	})
}

// handleSymbols serves GET /symbols/{exchange}: the venue's tradable symbol
// catalog, cached with a TTL.
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	exchange := strings.Trim(strings.TrimPrefix(r.URL.Path, "/symbols/"), "/")
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "missing exchange")
		return
	}

	symbols, err := s.catalog.Symbols(exchange)
	if err != nil {
		var parseErr *domain.ChannelParseError
		if errors.As(err, &parseErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchange": exchange,
		"symbols":  symbols,
	})
}

// handleOrderbook serves GET /orderbook/{exchange}/{symbol}?depth=N from the
// book maintained on the symbol's current primary connection.
func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/orderbook/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "want /orderbook/{exchange}/{symbol}")
		return
	}

	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "depth is not a number")
			return
		}
		depth = d
	}

	snapshot, err := s.snapshots.GetSnapshot(parts[0], parts[1], depth)
	if err != nil {
		if errors.Is(err, domain.ErrBookNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
