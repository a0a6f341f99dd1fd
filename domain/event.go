package domain

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Event is the normalized, venue agnostic form of everything that comes off
// an exchange socket. Key() derives the subscription the event belongs to,
// which is what the dispatcher routes on.
type Event interface {
	Key() SubscriptionKey
}

type Trade struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"`
	Side     Side     `json:"side"`
	Price    float64  `json:"price"`
	Qty      float64  `json:"qty"`
}

func (t Trade) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: t.Exchange, DataType: DataTypeTrade, Symbol: t.Symbol}
}

// BookUpdate is a single price level change on one side of a book.
// IsSnapshot marks levels that belong to a full snapshot rather than a delta.
type BookUpdate struct {
	Exchange   Exchange `json:"exchange"`
	Symbol     string   `json:"symbol"`
	Side       Side     `json:"side"`
	Price      float64  `json:"price"`
	Qty        float64  `json:"qty"`
	IsSnapshot bool     `json:"isSnapshot"`
}

func (u BookUpdate) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: u.Exchange, DataType: DataTypeBook, Symbol: u.Symbol}
}

// BookSnapshot is a complete shallow book as published by snapshot channels.
type BookSnapshot struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"`
	Bids     []Level  `json:"bids"`
	Asks     []Level  `json:"asks"`
}

func (s BookSnapshot) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: s.Exchange, DataType: DataTypeBookSnapshot, Symbol: s.Symbol}
}

// Promotion tells subscribers that the primary backup of a batch changed and
// book reads should be redirected to the new primary.
type Promotion struct {
	Exchange    Exchange `json:"exchange"`
	BatchID     int      `json:"batchId"`
	BackupIndex int      `json:"backupIndex"`
}

func (p Promotion) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: p.Exchange}
}
