package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineKeepsBackupsIndependent(t *testing.T) {
	engine := NewBookEngine()
	engine.Register("BTC-USDT", 0)
	engine.Register("BTC-USDT", 1)

	engine.ApplyUpdate("BTC-USDT", 0, SideBuy, 100, 1, false)
	engine.ApplyUpdate("BTC-USDT", 1, SideBuy, 200, 2, false)

	primary, err := engine.Snapshot("BTC-USDT", 0)
	assert.NoError(t, err)
	assert.Equal(t, []Level{{100, 1}}, primary.Bids)

	standby, err := engine.Snapshot("BTC-USDT", 1)
	assert.NoError(t, err)
	assert.Equal(t, []Level{{200, 2}}, standby.Bids)
}

func TestEngineDropsUpdatesForUnregisteredBook(t *testing.T) {
	engine := NewBookEngine()

	// must not panic, residual venue traffic after unsubscribe is normal
	engine.ApplyUpdate("ETH-USDT", 0, SideSell, 100, 1, false)

	_, err := engine.Snapshot("ETH-USDT", 0)
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestEngineRegisterIsIdempotent(t *testing.T) {
	engine := NewBookEngine()
	engine.Register("BTC-USDT", 0)
	engine.ApplyUpdate("BTC-USDT", 0, SideBuy, 100, 1, false)

	engine.Register("BTC-USDT", 0)

	snap, err := engine.Snapshot("BTC-USDT", 0)
	assert.NoError(t, err)
	assert.Len(t, snap.Bids, 1)
}

func TestEngineDisconnectClearsButKeepsRegistration(t *testing.T) {
	engine := NewBookEngine()
	engine.Register("BTC-USDT", 0)
	engine.ApplyUpdate("BTC-USDT", 0, SideBuy, 100, 1, false)

	engine.Disconnect("BTC-USDT", 0)

	snap, err := engine.Snapshot("BTC-USDT", 0)
	assert.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.True(t, engine.Registered("BTC-USDT"))
}

func TestEngineDeregisterRemovesAllBackups(t *testing.T) {
	engine := NewBookEngine()
	engine.Register("BTC-USDT", 0)
	engine.Register("BTC-USDT", 1)

	engine.Deregister("BTC-USDT")

	assert.False(t, engine.Registered("BTC-USDT"))
	_, err := engine.Snapshot("BTC-USDT", 1)
	assert.ErrorIs(t, err, ErrBookNotFound)
}
