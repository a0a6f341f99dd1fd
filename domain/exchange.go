package domain

import (
	"fmt"
	"sort"
	"strings"
)

type Exchange string

const (
	ExchangeOkx          Exchange = "okx"
	ExchangeBinanceUsdm  Exchange = "binanceusdm"
	ExchangeBinanceCoinm Exchange = "binancecoinm"
	ExchangeDeribit      Exchange = "deribit"
	ExchangeKraken       Exchange = "kraken"
	ExchangeCoinbase     Exchange = "coinbase"
	ExchangeHuobi        Exchange = "huobi"
	ExchangeBitStamp     Exchange = "bitstamp"
	ExchangeByBit        Exchange = "bybit"
	ExchangeBitfinex     Exchange = "bitfinex"
)

// The set of venues is closed: adding one means adding a constant here and a
// codec for it in the provider package.
var exchanges = map[string]Exchange{
	"okx":          ExchangeOkx,
	"okex":         ExchangeOkx,
	"binanceusdm":  ExchangeBinanceUsdm,
	"binancecoinm": ExchangeBinanceCoinm,
	"deribit":      ExchangeDeribit,
	"kraken":       ExchangeKraken,
	"coinbase":     ExchangeCoinbase,
	"huobi":        ExchangeHuobi,
	"bitstamp":     ExchangeBitStamp,
	"bybit":        ExchangeByBit,
	"bitfinex":     ExchangeBitfinex,
}

func ParseExchange(s string) (Exchange, error) {
	if e, ok := exchanges[strings.ToLower(s)]; ok {
		return e, nil
	}
	return "", &ChannelParseError{Field: "exchange", Token: s}
}

// ExchangeNames returns the canonical venue tokens, sorted. Aliases like
// "okex" are accepted on parse but not listed.
func ExchangeNames() []string {
	seen := make(map[Exchange]struct{}, len(exchanges))
	names := make([]string, 0, len(exchanges))
	for name, ex := range exchanges {
		if name != string(ex) {
			continue
		}
		if _, dup := seen[ex]; dup {
			continue
		}
		seen[ex] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type DataType string

const (
	DataTypeTrade        DataType = "trade"
	DataTypeBook         DataType = "book"
	DataTypeBookSnapshot DataType = "snapshot"
)

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "trade":
		return DataTypeTrade, nil
	case "book":
		return DataTypeBook, nil
	case "snapshot":
		return DataTypeBookSnapshot, nil
	}
	return "", &ChannelParseError{Field: "dataType", Token: s}
}

// SubscriptionKey identifies one logical feed: many downstream subscribers
// may share a key.
type SubscriptionKey struct {
	Exchange Exchange
	DataType DataType
	Symbol   string
}

// ParseChannel parses a client facing channel name of the form
// "{exchange}.{assetClass}.{dataType}.{symbol}", e.g. "okx.spot.trade.BTC-USDT".
// The asset class segment is carried in the wire format but not part of the key.
func ParseChannel(s string) (SubscriptionKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return SubscriptionKey{}, &ChannelParseError{Field: "channel", Token: s}
	}

	exchange, err := ParseExchange(parts[0])
	if err != nil {
		return SubscriptionKey{}, err
	}

	dataType, err := ParseDataType(parts[2])
	if err != nil {
		return SubscriptionKey{}, err
	}

	if parts[3] == "" {
		return SubscriptionKey{}, &ChannelParseError{Field: "symbol", Token: s}
	}

	return SubscriptionKey{
		Exchange: exchange,
		DataType: dataType,
		Symbol:   parts[3],
	}, nil
}

// Channel formats the key back into the client facing channel name.
func (k SubscriptionKey) Channel() string {
	return fmt.Sprintf("%s.spot.%s.%s", k.Exchange, k.DataType, k.Symbol)
}

func (k SubscriptionKey) String() string {
	return k.Channel()
}

// ChannelParseError reports which segment of a channel name failed to parse.
type ChannelParseError struct {
	Field string
	Token string
}

func (e *ChannelParseError) Error() string {
	return fmt.Sprintf("channel parse: invalid %s %q", e.Field, e.Token)
}
