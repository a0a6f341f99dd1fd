package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
)

const okxInstrumentsURL = "https://www.okx.com/api/v5/public/instruments?instType=SPOT"

type catalogEntry struct {
	symbols []string
	fetched time.Time
}

// SymbolCatalog serves the tradable symbols of a venue from its public REST
// API, cached with a TTL so the gateway does not hammer the venue.
type SymbolCatalog struct {
	ttl    time.Duration
	client *http.Client
	okxURL string

	mu    sync.Mutex
	cache map[domain.Exchange]catalogEntry
}

func NewSymbolCatalog() *SymbolCatalog {
	return &SymbolCatalog{
		ttl:    config.SymbolCacheTTL,
		client: &http.Client{Timeout: 10 * time.Second},
		okxURL: okxInstrumentsURL,
		cache:  make(map[domain.Exchange]catalogEntry),
	}
}

func (c *SymbolCatalog) Symbols(exchange string) ([]string, error) {
	ex, err := domain.ParseExchange(exchange)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.cache[ex]
	c.mu.Unlock()
	if ok && time.Since(entry.fetched) < c.ttl {
		return entry.symbols, nil
	}

	symbols, err := c.fetch(ex)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[ex] = catalogEntry{symbols: symbols, fetched: time.Now()}
	c.mu.Unlock()
	return symbols, nil
}

// Known answers from the cache only: warm is false when the venue's catalog
// has not been fetched or has expired. A cold catalog never blocks or fails a
// subscribe, it just skips validation.
func (c *SymbolCatalog) Known(ex domain.Exchange, symbol string) (known, warm bool) {
	c.mu.Lock()
	entry, ok := c.cache[ex]
	c.mu.Unlock()

	if !ok || time.Since(entry.fetched) >= c.ttl {
		return false, false
	}
	for _, s := range entry.symbols {
		if s == symbol {
			return true, true
		}
	}
	return false, true
}

func (c *SymbolCatalog) fetch(ex domain.Exchange) ([]string, error) {
	switch ex {
	case domain.ExchangeOkx:
		return c.fetchOkx()
	}
	return nil, fmt.Errorf("no symbol source for %s", ex)
}

type okxInstrumentsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
	} `json:"data"`
}

func (c *SymbolCatalog) fetchOkx() ([]string, error) {
	resp, err := c.client.Get(c.okxURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("okx instruments: http %d", resp.StatusCode)
	}

	var body okxInstrumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Code != "0" {
		return nil, fmt.Errorf("okx instruments: code %s %s", body.Code, body.Msg)
	}

	symbols := make([]string, 0, len(body.Data))
	for _, inst := range body.Data {
		symbols = append(symbols, inst.InstID)
	}
	return symbols, nil
}
