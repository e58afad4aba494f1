// Package budget implements the spend ledger for one budget scope. The
// ledger is the only authority that can authorize a paid call, and the only
// shared mutable state touched by concurrent generation workers.
//
// Spending is two-phase: Reserve holds funds before the paid call, Confirm
// moves them to committed only after the output is durably saved, Release
// drops the hold on any failure. Nothing is ever committed for an operation
// that did not demonstrably complete.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/models"
)

var (
	// ErrBudgetExceeded is returned by Reserve when the hold would push
	// committed + reserved past the ceiling. Reserve has no side effects in
	// that case.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrUnknownToken is returned when a token was already confirmed,
	// already released, or never issued by this ledger.
	ErrUnknownToken = errors.New("unknown reservation token")

	// ErrClosed is returned by Reserve after Close.
	ErrClosed = errors.New("budget scope closed")
)

// Token identifies one outstanding reservation.
type Token struct {
	ID     uuid.UUID
	Amount models.Micros
}

// Op labels a journal entry.
type Op string

const (
	OpReserve Op = "reserve"
	OpConfirm Op = "confirm"
	OpRelease Op = "release"
)

// Entry is one journaled ledger transition, with the post-transition totals.
type Entry struct {
	Op        Op
	TokenID   uuid.UUID
	Amount    models.Micros
	Committed models.Micros
	Reserved  models.Micros
	TS        time.Time
}

// Journal receives every ledger transition. Implementations must be fast;
// the entry is delivered outside the ledger lock.
type Journal func(Entry)

// Ledger guards one budget scope. All methods are safe for concurrent use;
// the read-check-write cycle in Reserve is atomic under one mutex.
type Ledger struct {
	mu        sync.Mutex
	ceiling   models.Micros
	committed models.Micros
	reserved  models.Micros
	open      map[uuid.UUID]models.Micros
	closed    bool
	journal   Journal
}

// NewLedger opens a budget scope with the given ceiling. journal may be nil.
func NewLedger(ceiling models.Micros, journal Journal) *Ledger {
	return &Ledger{
		ceiling: ceiling,
		open:    make(map[uuid.UUID]models.Micros),
		journal: journal,
	}
}

// Reserve atomically checks committed + reserved + amount <= ceiling and, on
// success, holds amount and returns a token. On failure it returns
// ErrBudgetExceeded without side effects.
func (l *Ledger) Reserve(amount models.Micros) (Token, error) {
	if amount < 0 {
		return Token{}, fmt.Errorf("reserve: negative amount %d", amount)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Token{}, ErrClosed
	}
	if l.committed+l.reserved+amount > l.ceiling {
		available := l.ceiling - l.committed - l.reserved
		l.mu.Unlock()
		return Token{}, fmt.Errorf("reserve %s with %s available: %w",
			amount, available, ErrBudgetExceeded)
	}
	tok := Token{ID: uuid.New(), Amount: amount}
	l.reserved += amount
	l.open[tok.ID] = amount
	entry := l.entryLocked(OpReserve, tok)
	l.mu.Unlock()

	l.emit(entry)
	return tok, nil
}

// Confirm moves the token's reserved amount to committed. Call only after the
// paid operation and its persistence have verifiably succeeded.
func (l *Ledger) Confirm(tok Token) error {
	l.mu.Lock()
	amount, ok := l.open[tok.ID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("confirm %s: %w", tok.ID, ErrUnknownToken)
	}
	delete(l.open, tok.ID)
	l.reserved -= amount
	l.committed += amount
	entry := l.entryLocked(OpConfirm, Token{ID: tok.ID, Amount: amount})
	l.mu.Unlock()

	l.emit(entry)
	return nil
}

// Release drops the token's hold without committing it. Call on any failure
// after reservation, including a provider success whose output could not be
// retrieved or persisted.
func (l *Ledger) Release(tok Token) error {
	l.mu.Lock()
	amount, ok := l.open[tok.ID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("release %s: %w", tok.ID, ErrUnknownToken)
	}
	delete(l.open, tok.ID)
	l.reserved -= amount
	entry := l.entryLocked(OpRelease, Token{ID: tok.ID, Amount: amount})
	l.mu.Unlock()

	l.emit(entry)
	return nil
}

// Close seals the scope: all outstanding reservations are released and every
// further Reserve fails with ErrClosed. Confirm/Release of tokens released
// here report ErrUnknownToken, which callers treat as already-settled.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	var entries []Entry
	for id, amount := range l.open {
		delete(l.open, id)
		l.reserved -= amount
		entries = append(entries, l.entryLocked(OpRelease, Token{ID: id, Amount: amount}))
	}
	l.mu.Unlock()

	for _, e := range entries {
		l.emit(e)
	}
}

// Snapshot returns the current totals.
func (l *Ledger) Snapshot() (committed, reserved, ceiling models.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed, l.reserved, l.ceiling
}

// Remaining returns ceiling - committed - reserved.
func (l *Ledger) Remaining() models.Micros {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling - l.committed - l.reserved
}

func (l *Ledger) entryLocked(op Op, tok Token) Entry {
	return Entry{
		Op:        op,
		TokenID:   tok.ID,
		Amount:    tok.Amount,
		Committed: l.committed,
		Reserved:  l.reserved,
		TS:        time.Now().UTC(),
	}
}

func (l *Ledger) emit(e Entry) {
	if l.journal != nil {
		l.journal(e)
	}
}
