// Package journal is the append-only record of what the keeper did to
// the venues: placements, fills, cancels, recoveries, unwind plans.
// It exists for the operator, not for the trading path — a write
// failure is logged and swallowed, never surfaced to the caller.
package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindPlacement Kind = "PLACEMENT"
	KindFill      Kind = "FILL"
	KindCancel    Kind = "CANCEL"
	KindRecovery  Kind = "RECOVERY"
	KindUnwind    Kind = "UNWIND"
)

// Entry is one journaled action. Side, order and thread ids are empty
// for plan-level entries; ID is assigned by the store.
type Entry struct {
	ID        int64
	Kind      Kind
	Venue     core.Venue
	Symbol    core.Symbol
	Side      core.Side
	OrderID   string
	ThreadID  string
	Size      decimal.Decimal
	Price     decimal.Decimal
	Note      string
	CreatedAt time.Time
}

// Journal records keeper actions and serves them back newest first.
type Journal interface {
	// Record appends an entry. It never fails from the caller's point
	// of view; storage errors are the journal's own problem.
	Record(ctx context.Context, e Entry)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

const defaultRecentLimit = 50
