package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/spooky-finn/go-feedhub/usecase"
	"github.com/stretchr/testify/assert"
)

type fakeBroker struct {
	mu    sync.Mutex
	sinks map[domain.SubscriptionKey]map[string]*domain.Subscriber
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		sinks: make(map[domain.SubscriptionKey]map[string]*domain.Subscriber),
	}
}

func (b *fakeBroker) Subscribe(key domain.SubscriptionKey, sink *domain.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks, ok := b.sinks[key]
	if !ok {
		sinks = make(map[string]*domain.Subscriber)
		b.sinks[key] = sinks
	}
	if sink != nil {
		sinks[sink.ID] = sink
	}
	return nil
}

func (b *fakeBroker) Unsubscribe(key domain.SubscriptionKey, sinkID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks[key], sinkID)
	return nil
}

func (b *fakeBroker) sink(key domain.SubscriptionKey) *domain.Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sinks[key] {
		return s
	}
	return nil
}

func (b *fakeBroker) sinkCount(key domain.SubscriptionKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks[key])
}

type fakeSnapshotSource struct {
	snapshot *domain.FlatSnapshot
	err      error
}

func (f *fakeSnapshotSource) Snapshot(domain.SubscriptionKey) (*domain.FlatSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func testServer(broker Broker, source usecase.SnapshotSource) *httptest.Server {
	gateway := NewServer(broker, usecase.NewBookSnapshotUseCase(source), NewSymbolCatalog())
	return httptest.NewServer(gateway.Handler())
}

func dialWs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) response {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var r response
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return r
}

func TestWsSubscribeAndDataFlow(t *testing.T) {
	broker := newFakeBroker()
	srv := testServer(broker, &fakeSnapshotSource{})
	defer srv.Close()

	conn := dialWs(t, srv)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "okx.spot.trade.BTC-USDT"}))
	r := readResponse(t, conn)
	assert.Equal(t, "subscribed", r.Event)
	assert.Equal(t, "okx.spot.trade.BTC-USDT", r.Channel)

	key := domain.SubscriptionKey{Exchange: domain.ExchangeOkx, DataType: domain.DataTypeTrade, Symbol: "BTC-USDT"}
	sink := broker.sink(key)
	assert.NotNil(t, sink)

	sink.TrySend(domain.Trade{Exchange: domain.ExchangeOkx, Symbol: "BTC-USDT", Side: domain.SideBuy, Price: 100, Qty: 2})

	r = readResponse(t, conn)
	assert.Equal(t, "data", r.Event)
	assert.Equal(t, "okx.spot.trade.BTC-USDT", r.Channel)

	payload, err := json.Marshal(r.Payload)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"exchange":"okx","symbol":"BTC-USDT","side":"buy","price":100,"qty":2}`, string(payload))
}

func TestWsRejectsMalformedChannel(t *testing.T) {
	srv := testServer(newFakeBroker(), &fakeSnapshotSource{})
	defer srv.Close()

	conn := dialWs(t, srv)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "not-a-channel"}))
	r := readResponse(t, conn)
	assert.Equal(t, "error", r.Event)
	assert.Contains(t, r.Message, "channel parse")

	assert.NoError(t, conn.WriteJSON(request{Event: "dance"}))
	r = readResponse(t, conn)
	assert.Equal(t, "error", r.Event)
}

func TestWsUnsubscribeAndStatus(t *testing.T) {
	broker := newFakeBroker()
	srv := testServer(broker, &fakeSnapshotSource{})
	defer srv.Close()

	conn := dialWs(t, srv)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "okx.spot.book.ETH-USDT"}))
	readResponse(t, conn)

	assert.NoError(t, conn.WriteJSON(request{Event: "status"}))
	r := readResponse(t, conn)
	assert.Equal(t, "status", r.Event)
	assert.NotEmpty(t, r.Session)
	assert.Equal(t, []string{"okx.spot.book.ETH-USDT"}, r.Channels)

	assert.NoError(t, conn.WriteJSON(request{Event: "unsubscribe", Channel: "okx.spot.book.ETH-USDT"}))
	r = readResponse(t, conn)
	assert.Equal(t, "unsubscribed", r.Event)

	key := domain.SubscriptionKey{Exchange: domain.ExchangeOkx, DataType: domain.DataTypeBook, Symbol: "ETH-USDT"}
	assert.Zero(t, broker.sinkCount(key))
}

func TestWsSessionCleanupOnDisconnect(t *testing.T) {
	broker := newFakeBroker()
	srv := testServer(broker, &fakeSnapshotSource{})
	defer srv.Close()

	conn := dialWs(t, srv)
	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "okx.spot.trade.BTC-USDT"}))
	readResponse(t, conn)

	conn.Close()

	key := domain.SubscriptionKey{Exchange: domain.ExchangeOkx, DataType: domain.DataTypeTrade, Symbol: "BTC-USDT"}
	assert.Eventually(t, func() bool {
		return broker.sinkCount(key) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrderbookEndpoint(t *testing.T) {
	source := &fakeSnapshotSource{
		snapshot: &domain.FlatSnapshot{
			Symbol: "BTC-USDT",
			Bids:   []domain.Level{{Price: 100, Qty: 1}, {Price: 99, Qty: 2}},
			Asks:   []domain.Level{{Price: 101, Qty: 1}},
		},
	}
	srv := testServer(newFakeBroker(), source)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orderbook/okx/BTC-USDT?depth=1")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap domain.FlatSnapshot
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "BTC-USDT", snap.Symbol)
	assert.Len(t, snap.Bids, 1, "depth trims the sides")
	assert.Len(t, snap.Asks, 1)
}

func TestOrderbookEndpointErrors(t *testing.T) {
	srv := testServer(newFakeBroker(), &fakeSnapshotSource{err: domain.ErrBookNotFound})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/orderbook/okx/BTC-USDT")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/orderbook/okx")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/orderbook/okx/BTC-USDT?depth=lots")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWsWarmCatalogRejectsUnknownSymbol(t *testing.T) {
	broker := newFakeBroker()
	catalog, venueSrv := catalogWithFakeVenue(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[{"instId":"BTC-USDT"}]}`))
	})
	defer venueSrv.Close()
	catalog.Symbols("okx") // warm it

	gateway := NewServer(broker, usecase.NewBookSnapshotUseCase(&fakeSnapshotSource{}), catalog)
	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	conn := dialWs(t, srv)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "okx.spot.trade.DOGE-USDT"}))
	r := readResponse(t, conn)
	assert.Equal(t, "error", r.Event)
	assert.Contains(t, r.Message, "unknown symbol")

	assert.NoError(t, conn.WriteJSON(request{Event: "subscribe", Channel: "okx.spot.trade.BTC-USDT"}))
	r = readResponse(t, conn)
	assert.Equal(t, "subscribed", r.Event)
}

func TestExchangesEndpoint(t *testing.T) {
	srv := testServer(newFakeBroker(), &fakeSnapshotSource{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/symbols")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Exchanges []string `json:"exchanges"`
	}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Exchanges, "okx")
	assert.NotContains(t, body.Exchanges, "okex")
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(newFakeBroker(), &fakeSnapshotSource{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
