package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBookOrdering(t *testing.T) {
	book := NewBook()

	book.Apply(SideBuy, 100.5, 1, false)
	book.Apply(SideBuy, 101.0, 2, false)
	book.Apply(SideBuy, 99.0, 3, false)
	book.Apply(SideSell, 102.0, 1, false)
	book.Apply(SideSell, 101.5, 2, false)
	book.Apply(SideSell, 103.0, 3, false)

	bids, asks := book.Flatten()
	assert.Equal(t, []Level{{101.0, 2}, {100.5, 1}, {99.0, 3}}, bids)
	assert.Equal(t, []Level{{101.5, 2}, {102.0, 1}, {103.0, 3}}, asks)

	bestBid, ok := book.BestBid()
	assert.True(t, ok)
	assert.Equal(t, Level{101.0, 2}, bestBid)

	bestAsk, ok := book.BestAsk()
	assert.True(t, ok)
	assert.Equal(t, Level{101.5, 2}, bestAsk)
}

func TestBookUpsertOverwrites(t *testing.T) {
	book := NewBook()

	book.Apply(SideBuy, 100, 1, false)
	book.Apply(SideBuy, 100, 5, false)

	bids, _ := book.Flatten()
	assert.Equal(t, []Level{{100, 5}}, bids)

	// applying the same update again changes nothing
	book.Apply(SideBuy, 100, 5, false)
	bids, _ = book.Flatten()
	assert.Equal(t, []Level{{100, 5}}, bids)
}

func TestBookZeroQtyRemoves(t *testing.T) {
	book := NewBook()

	book.Apply(SideSell, 100, 1, false)
	book.Apply(SideSell, 100, 0, false)

	_, asks := book.Flatten()
	assert.Empty(t, asks)

	// removing an absent level is a no-op, repeated removal too
	book.Apply(SideSell, 100, 0, false)
	book.Apply(SideSell, 555, 0, false)
	_, asks = book.Flatten()
	assert.Empty(t, asks)
}

func TestBookModeTransitionClearsBothSides(t *testing.T) {
	book := NewBook()

	book.Apply(SideBuy, 100, 1, false)
	book.Apply(SideSell, 101, 1, false)

	// the first snapshot level discards the delta-built book
	book.Apply(SideBuy, 90, 7, true)

	bids, asks := book.Flatten()
	assert.Equal(t, []Level{{90, 7}}, bids)
	assert.Empty(t, asks)

	// and the way back from snapshot to delta mode clears again
	book.Apply(SideSell, 95, 2, false)
	bids, asks = book.Flatten()
	assert.Empty(t, bids)
	assert.Equal(t, []Level{{95, 2}}, asks)
}

func TestBookClear(t *testing.T) {
	book := NewBook()
	book.Apply(SideBuy, 100, 1, false)
	book.Apply(SideSell, 101, 1, false)

	book.Clear()

	bidDepth, askDepth := book.Depth()
	assert.Zero(t, bidDepth)
	assert.Zero(t, askDepth)

	_, ok := book.BestBid()
	assert.False(t, ok)
}
