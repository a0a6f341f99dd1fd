package provider

import (
	"testing"

	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/stretchr/testify/assert"
)

func TestCodecForOkx(t *testing.T) {
	codec, err := CodecFor(domain.ExchangeOkx)
	assert.NoError(t, err)
	assert.NotEmpty(t, codec.URL)
	assert.NotNil(t, codec.ChannelName)
	assert.NotNil(t, codec.SubscribeFrame)
	assert.NotNil(t, codec.UnsubscribeFrame)
	assert.NotNil(t, codec.Parse)

	name, err := codec.ChannelName(domain.DataTypeTrade)
	assert.NoError(t, err)
	assert.Equal(t, "trades", name)
}

func TestCodecForUnhandledVenue(t *testing.T) {
	// a venue constant without a codec is an explicit error
	_, err := CodecFor(domain.ExchangeKraken)
	assert.ErrorContains(t, err, "no codec")
}

func TestHubRejectsVenueWithoutCodec(t *testing.T) {
	hub := NewHub(domain.NewBookEngine())

	_, err := hub.Pool(domain.ExchangeDeribit)
	assert.Error(t, err)

	key := domain.SubscriptionKey{Exchange: domain.ExchangeDeribit, DataType: domain.DataTypeTrade, Symbol: "X"}
	assert.Error(t, hub.Subscribe(key, nil))

	// unsubscribe and snapshot on venues without a pool are graceful
	assert.NoError(t, hub.Unsubscribe(key, "s"))
	_, err = hub.Snapshot(key)
	assert.ErrorIs(t, err, domain.ErrBookNotFound)
}
