// Package okx decodes the OKX public websocket protocol into normalized
// events and builds its control frames. Decoding is pure: no I/O, no
// recovery of malformed payloads beyond a typed error.
package okx

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/spooky-finn/go-feedhub/domain"
)

const DefaultWsURL = "wss://ws.okx.com:8443/ws/v5/public"

const (
	channelTrades = "trades"
	channelBooks  = "books"
	channelBooks5 = "books5"

	actionSnapshot = "snapshot"
	actionUpdate   = "update"
)

// ChannelName maps a data type onto the venue channel. The mapping is a
// fixed table; anything outside it is an unsupported-channel error for the
// caller, never a silent no-op.
func ChannelName(dt domain.DataType) (string, error) {
	switch dt {
	case domain.DataTypeTrade:
		return channelTrades, nil
	case domain.DataTypeBook:
		return channelBooks, nil
	case domain.DataTypeBookSnapshot:
		return channelBooks5, nil
	}
	return "", fmt.Errorf("%w: %s on okx", domain.ErrUnsupportedChannel, dt)
}

func dataTypeFor(channel string) (domain.DataType, bool) {
	switch channel {
	case channelTrades:
		return domain.DataTypeTrade, true
	case channelBooks:
		return domain.DataTypeBook, true
	case channelBooks5:
		return domain.DataTypeBookSnapshot, true
	}
	return "", false
}

type controlFrame struct {
	Op   string       `json:"op"`
	Args []controlArg `json:"args"`
}

type controlArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func SubscribeFrame(dt domain.DataType, symbol string) ([]byte, error) {
	return frame("subscribe", dt, symbol)
}

func UnsubscribeFrame(dt domain.DataType, symbol string) ([]byte, error) {
	return frame("unsubscribe", dt, symbol)
}

func frame(op string, dt domain.DataType, symbol string) ([]byte, error) {
	channel, err := ChannelName(dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(controlFrame{
		Op:   op,
		Args: []controlArg{{Channel: channel, InstID: symbol}},
	})
}

type rawMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Event  string          `json:"event"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type rawTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type rawBookRow struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

// ParseMessage decodes one wire payload into zero or more normalized events.
// Control acknowledgements ("event" frames) decode to no events. A malformed
// payload yields a *domain.DecodeError and no events.
func ParseMessage(raw []byte) ([]domain.Event, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &domain.DecodeError{Field: "message", Reason: err.Error()}
	}

	// Subscribe acks, error notices and pongs carry an "event" field and no
	// market data.
	if msg.Event != "" {
		return nil, nil
	}

	switch msg.Arg.Channel {
	case channelTrades:
		return parseTrades(msg.Data)
	case channelBooks:
		return parseBookUpdates(msg.Arg.InstID, msg.Action, msg.Data)
	case channelBooks5:
		return parseBookSnapshots(msg.Arg.InstID, msg.Data)
	}

	return nil, &domain.DecodeError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", msg.Arg.Channel)}
}

func parseTrades(data json.RawMessage) ([]domain.Event, error) {
	var rows []rawTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &domain.DecodeError{Field: "data", Reason: err.Error()}
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		side, err := parseSide(row.Side)
		if err != nil {
			return nil, err
		}
		price, err := parseFloat("px", row.Px)
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat("sz", row.Sz)
		if err != nil {
			return nil, err
		}

		events = append(events, domain.Trade{
			Exchange: domain.ExchangeOkx,
			Symbol:   row.InstID,
			Side:     side,
			Price:    price,
			Qty:      qty,
		})
	}

	return events, nil
}

func parseBookUpdates(symbol, action string, data json.RawMessage) ([]domain.Event, error) {
	var isSnapshot bool
	switch action {
	case actionSnapshot:
		isSnapshot = true
	case actionUpdate:
		isSnapshot = false
	default:
		return nil, &domain.DecodeError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}

	var rows []rawBookRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &domain.DecodeError{Field: "data", Reason: err.Error()}
	}

	var events []domain.Event
	for _, row := range rows {
		for _, level := range row.Bids {
			price, qty, err := parseLevel(level)
			if err != nil {
				return nil, err
			}
			events = append(events, domain.BookUpdate{
				Exchange:   domain.ExchangeOkx,
				Symbol:     symbol,
				Side:       domain.SideBuy,
				Price:      price,
				Qty:        qty,
				IsSnapshot: isSnapshot,
			})
		}
		for _, level := range row.Asks {
			price, qty, err := parseLevel(level)
			if err != nil {
				return nil, err
			}
			events = append(events, domain.BookUpdate{
				Exchange:   domain.ExchangeOkx,
				Symbol:     symbol,
				Side:       domain.SideSell,
				Price:      price,
				Qty:        qty,
				IsSnapshot: isSnapshot,
			})
		}
	}

	return events, nil
}

func parseBookSnapshots(symbol string, data json.RawMessage) ([]domain.Event, error) {
	var rows []rawBookRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &domain.DecodeError{Field: "data", Reason: err.Error()}
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		snapshot := domain.BookSnapshot{
			Exchange: domain.ExchangeOkx,
			Symbol:   symbol,
			Bids:     make([]domain.Level, 0, len(row.Bids)),
			Asks:     make([]domain.Level, 0, len(row.Asks)),
		}
		for _, level := range row.Bids {
			price, qty, err := parseLevel(level)
			if err != nil {
				return nil, err
			}
			snapshot.Bids = append(snapshot.Bids, domain.Level{Price: price, Qty: qty})
		}
		for _, level := range row.Asks {
			price, qty, err := parseLevel(level)
			if err != nil {
				return nil, err
			}
			snapshot.Asks = append(snapshot.Asks, domain.Level{Price: price, Qty: qty})
		}
		events = append(events, snapshot)
	}

	return events, nil
}

// parseSide maps venue side strings case-sensitively. Unknown sides are a
// decode error, never defaulted to a direction.
func parseSide(s string) (domain.Side, error) {
	switch s {
	case "buy":
		return domain.SideBuy, nil
	case "sell":
		return domain.SideSell, nil
	}
	return "", &domain.DecodeError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s)}
}

// parseLevel reads a [price, qty, ...] tuple; trailing elements are venue
// metadata and ignored.
func parseLevel(level []string) (price, qty float64, err error) {
	if len(level) < 2 {
		return 0, 0, &domain.DecodeError{Field: "level", Reason: fmt.Sprintf("short level %v", level)}
	}
	price, err = parseFloat("price", level[0])
	if err != nil {
		return 0, 0, err
	}
	qty, err = parseFloat("qty", level[1])
	if err != nil {
		return 0, 0, err
	}
	return price, qty, nil
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &domain.DecodeError{Field: field, Reason: fmt.Sprintf("not a number: %q", s)}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &domain.DecodeError{Field: field, Reason: fmt.Sprintf("non-finite value %q", s)}
	}
	return v, nil
}
