package domain

import (
	"log"
	"os"
	"sync"
)

var engineLogger = log.New(os.Stdout, "[orderbook-engine] ", log.LstdFlags)

// FlatSnapshot is an ordered, point-in-time view of one book.
type FlatSnapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// BookEngine owns one book per (symbol, backup index). Backup index 0 is the
// primary whose book is authoritative for reads; higher indices belong to the
// warm standbys of the same batch. Nothing outside the engine mutates book
// state.
type BookEngine struct {
	mu    sync.Mutex
	books map[string]map[int]*Book
}

func NewBookEngine() *BookEngine {
	return &BookEngine{
		books: make(map[string]map[int]*Book),
	}
}

// Register creates an empty book for (symbol, backupIndex) if absent.
// Idempotent: an existing book is left untouched.
func (e *BookEngine) Register(symbol string, backupIndex int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	backups, ok := e.books[symbol]
	if !ok {
		backups = make(map[int]*Book)
		e.books[symbol] = backups
	}
	if _, ok := backups[backupIndex]; !ok {
		backups[backupIndex] = NewBook()
	}
}

// Deregister removes the books of every backup of the symbol.
func (e *BookEngine) Deregister(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.books, symbol)
}

// ApplyUpdate routes a single level change into the targeted book. Updates
// for an unregistered pair are logged and ignored: residual venue traffic
// during unsubscribe races is expected and must not fail the caller.
func (e *BookEngine) ApplyUpdate(symbol string, backupIndex int, side Side, price, qty float64, isSnapshot bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol][backupIndex]
	if !ok {
		engineLogger.Printf("update for unregistered book %s backup=%d, dropping", symbol, backupIndex)
		return
	}

	book.Apply(side, price, qty, isSnapshot)
}

// Snapshot flattens the current state of one book, or returns
// ErrBookNotFound when the pair is unregistered.
func (e *BookEngine) Snapshot(symbol string, backupIndex int) (*FlatSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol][backupIndex]
	if !ok {
		return nil, ErrBookNotFound
	}

	bids, asks := book.Flatten()
	return &FlatSnapshot{
		Symbol: symbol,
		Bids:   bids,
		Asks:   asks,
	}, nil
}

// Disconnect clears both sides of one backup's book but keeps it registered:
// the source can no longer be trusted until resynchronized by a fresh
// snapshot or replay.
func (e *BookEngine) Disconnect(symbol string, backupIndex int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol][backupIndex]
	if !ok {
		return
	}

	engineLogger.Printf("clearing book %s backup=%d after disconnect", symbol, backupIndex)
	book.Clear()
}

// Registered reports whether any backup holds a book for the symbol.
func (e *BookEngine) Registered(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.books[symbol]) > 0
}
