package usecase

import (
	"log"
	"os"

	"github.com/spooky-finn/go-feedhub/domain"
)

var logger = log.New(os.Stdout, "[book-snapshot-usecase] ", log.LstdFlags)

// SnapshotSource is the read side of the feed hub: it resolves a key to the
// book maintained from the key's current primary connection.
type SnapshotSource interface {
	Snapshot(key domain.SubscriptionKey) (*domain.FlatSnapshot, error)
}

type BookSnapshotUseCase struct {
	source SnapshotSource
}

func NewBookSnapshotUseCase(source SnapshotSource) *BookSnapshotUseCase {
	return &BookSnapshotUseCase{source: source}
}

// GetSnapshot returns the top maxDepth levels of each side of the symbol's
// book. maxDepth <= 0 means the whole book.
func (u *BookSnapshotUseCase) GetSnapshot(exchange, symbol string, maxDepth int) (*domain.FlatSnapshot, error) {
	ex, err := domain.ParseExchange(exchange)
	if err != nil {
		return nil, err
	}

	key := domain.SubscriptionKey{Exchange: ex, DataType: domain.DataTypeBook, Symbol: symbol}
	snapshot, err := u.source.Snapshot(key)
	if err != nil {
		logger.Printf("no book for %s on %s: %v", symbol, ex, err)
		return nil, err
	}

	if maxDepth > 0 {
		if len(snapshot.Bids) > maxDepth {
			snapshot.Bids = snapshot.Bids[:maxDepth]
		}
		if len(snapshot.Asks) > maxDepth {
			snapshot.Asks = snapshot.Asks[:maxDepth]
		}
	}
	return snapshot, nil
}
