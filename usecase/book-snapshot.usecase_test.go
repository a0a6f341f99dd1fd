package usecase

import (
	"testing"

	"github.com/spooky-finn/go-feedhub/domain"
	"github.com/stretchr/testify/assert"
)

type stubSource struct {
	lastKey  domain.SubscriptionKey
	snapshot *domain.FlatSnapshot
	err      error
}

func (s *stubSource) Snapshot(key domain.SubscriptionKey) (*domain.FlatSnapshot, error) {
	s.lastKey = key
	if s.err != nil {
		return nil, s.err
	}
	return s.snapshot, nil
}

func deepSnapshot() *domain.FlatSnapshot {
	return &domain.FlatSnapshot{
		Symbol: "BTC-USDT",
		Bids:   []domain.Level{{Price: 101, Qty: 1}, {Price: 100, Qty: 2}, {Price: 99, Qty: 3}},
		Asks:   []domain.Level{{Price: 102, Qty: 1}, {Price: 103, Qty: 2}},
	}
}

func TestGetSnapshotResolvesBookKey(t *testing.T) {
	source := &stubSource{snapshot: deepSnapshot()}
	uc := NewBookSnapshotUseCase(source)

	snap, err := uc.GetSnapshot("okx", "BTC-USDT", 0)
	assert.NoError(t, err)
	assert.Len(t, snap.Bids, 3)

	assert.Equal(t, domain.SubscriptionKey{
		Exchange: domain.ExchangeOkx,
		DataType: domain.DataTypeBook,
		Symbol:   "BTC-USDT",
	}, source.lastKey)
}

func TestGetSnapshotTrimsDepth(t *testing.T) {
	uc := NewBookSnapshotUseCase(&stubSource{snapshot: deepSnapshot()})

	snap, err := uc.GetSnapshot("okx", "BTC-USDT", 2)
	assert.NoError(t, err)
	assert.Equal(t, []domain.Level{{Price: 101, Qty: 1}, {Price: 100, Qty: 2}}, snap.Bids)
	assert.Len(t, snap.Asks, 2)

	// depth larger than the book returns the whole book
	snap, err = uc.GetSnapshot("okx", "BTC-USDT", 50)
	assert.NoError(t, err)
	assert.Len(t, snap.Bids, 3)
}

func TestGetSnapshotErrors(t *testing.T) {
	uc := NewBookSnapshotUseCase(&stubSource{err: domain.ErrBookNotFound})

	_, err := uc.GetSnapshot("okx", "BTC-USDT", 0)
	assert.ErrorIs(t, err, domain.ErrBookNotFound)

	_, err = uc.GetSnapshot("nasdaq", "BTC-USDT", 0)
	var parseErr *domain.ChannelParseError
	assert.ErrorAs(t, err, &parseErr)
}
