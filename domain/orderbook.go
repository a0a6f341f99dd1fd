package domain

import "github.com/tidwall/btree"

// Level is one (price, quantity) entry on a book side.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Book holds one side-ordered order book: bids descending, asks ascending.
// Ordering comes from the tree comparators, so snapshots and best-price
// queries never sort.
//
// The snapshot mode flag tracks whether the book is currently fed by full
// snapshots or by deltas. A transition between the two discards the stale
// half-built book.
type Book struct {
	bids *btree.BTreeG[Level]
	asks *btree.BTreeG[Level]

	isSnapshot bool
}

func byPriceDesc(a, b Level) bool { return a.Price > b.Price }
func byPriceAsc(a, b Level) bool  { return a.Price < b.Price }

func NewBook() *Book {
	return &Book{
		bids: btree.NewBTreeG(byPriceDesc),
		asks: btree.NewBTreeG(byPriceAsc),
	}
}

// Apply upserts (qty > 0) or removes (qty <= 0) a single price level.
// Removing an absent level is not an error. Equal-price updates overwrite,
// never accumulate.
func (b *Book) Apply(side Side, price, qty float64, isSnapshot bool) {
	if b.isSnapshot != isSnapshot {
		b.reset()
		b.isSnapshot = isSnapshot
	}

	tree := b.bids
	if side == SideSell {
		tree = b.asks
	}

	if qty > 0 {
		tree.Set(Level{Price: price, Qty: qty})
	} else {
		tree.Delete(Level{Price: price})
	}
}

// Clear empties both sides. Used when the feeding connection is lost: the
// book cannot be trusted until resynchronized.
func (b *Book) Clear() {
	b.reset()
}

func (b *Book) reset() {
	b.bids = btree.NewBTreeG(byPriceDesc)
	b.asks = btree.NewBTreeG(byPriceAsc)
}

// Flatten materializes the sides into ordered slices: bids price-descending,
// asks price-ascending.
func (b *Book) Flatten() (bids []Level, asks []Level) {
	bids = make([]Level, 0, b.bids.Len())
	asks = make([]Level, 0, b.asks.Len())

	b.bids.Scan(func(l Level) bool {
		bids = append(bids, l)
		return true
	})
	b.asks.Scan(func(l Level) bool {
		asks = append(asks, l)
		return true
	})

	return bids, asks
}

func (b *Book) BestBid() (Level, bool) {
	return b.first(b.bids)
}

func (b *Book) BestAsk() (Level, bool) {
	return b.first(b.asks)
}

func (b *Book) first(tree *btree.BTreeG[Level]) (Level, bool) {
	var best Level
	found := false
	tree.Scan(func(l Level) bool {
		best = l
		found = true
		return false
	})
	return best, found
}

func (b *Book) Depth() (bids int, asks int) {
	return b.bids.Len(), b.asks.Len()
}
