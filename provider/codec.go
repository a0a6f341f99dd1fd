package provider

import (
	"fmt"

	"github.com/spooky-finn/go-feedhub/config"
	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/spooky-finn/go-feedhub/provider/okx"
)

// Codec is the fixed function table for one venue's wire protocol. Venue
// dispatch goes through CodecFor, a closed switch over the exchange enum, so
// an unhandled venue is an explicit error instead of a missing registry
// entry.
type Codec struct {
	URL              string
	ChannelName      func(domain.DataType) (string, error)
	SubscribeFrame   func(domain.DataType, string) ([]byte, error)
	UnsubscribeFrame func(domain.DataType, string) ([]byte, error)
	Parse            func([]byte) ([]domain.Event, error)
}

func CodecFor(exchange domain.Exchange) (Codec, error) {
	switch exchange {
	case domain.ExchangeOkx:
		return Codec{
			URL:              config.OkxWsURL,
			ChannelName:      okx.ChannelName,
			SubscribeFrame:   okx.SubscribeFrame,
			UnsubscribeFrame: okx.UnsubscribeFrame,
			Parse:            okx.ParseMessage,
		}, nil
	}
	return Codec{}, fmt.Errorf("no codec for exchange %q", exchange)
}
