// Package execution owns order placement: the process-wide lock
// registry that serializes orders per (venue, symbol, side), and the
// hedged executor that places matched leg pairs.
package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/telemetry"
)

// ErrLockHeld is returned when a placement is registered while another
// order is still active for the same (venue, symbol, side).
var ErrLockHeld = errors.New("active order already registered for venue/symbol/side")

// LockStatus is the registry-side lifecycle of a placed order. PLACING
// exists before the venue has acknowledged the order, which is why it
// is distinct from the venue-observed statuses.
type LockStatus string

const (
	LockPlacing     LockStatus = "PLACING"
	LockWaitingFill LockStatus = "WAITING_FILL"
	LockFilled      LockStatus = "FILLED"
	LockCancelled   LockStatus = "CANCELLED"
	LockFailed      LockStatus = "FAILED"
)

// Terminal reports whether the status releases the lock.
func (s LockStatus) Terminal() bool {
	return s == LockFilled || s == LockCancelled || s == LockFailed
}

// LockStatusFromOrder maps a venue order status onto the registry
// lifecycle. Non-terminal venue statuses keep the lock waiting.
func LockStatusFromOrder(s core.OrderStatus) LockStatus {
	switch s {
	case core.OrderStatusFilled:
		return LockFilled
	case core.OrderStatusCancelled, core.OrderStatusExpired:
		return LockCancelled
	case core.OrderStatusRejected:
		return LockFailed
	default:
		return LockWaitingFill
	}
}

// OrderLock is one registered order. ThreadID groups the legs of a
// hedged operation under a shared correlation id.
type OrderLock struct {
	OrderID   string
	ThreadID  string
	Venue     core.Venue
	Symbol    core.Symbol
	Side      core.Side
	Size      decimal.Decimal
	Price     decimal.Decimal
	Status    LockStatus
	PlacedAt  time.Time
	UpdatedAt time.Time
}

// Age returns how long the lock has existed as of now.
func (l *OrderLock) Age(now time.Time) time.Duration {
	return now.Sub(l.PlacedAt)
}

type lockKey struct {
	venue  core.Venue
	symbol core.Symbol
	side   core.Side
}

type idKey struct {
	venue   core.Venue
	orderID string
}

// LockRegistry tracks every order the keeper has placed. At most one
// non-terminal record exists per (venue, symbol, side); terminal
// records leave the key index immediately but stay queryable by thread
// until pruned.
type LockRegistry struct {
	logger core.ILogger
	clock  core.Clock

	mu       sync.Mutex
	active   map[lockKey]*OrderLock
	byThread map[string][]*OrderLock
	byID     map[idKey]*OrderLock
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry(logger core.ILogger, clock core.Clock) *LockRegistry {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &LockRegistry{
		logger:   logger.WithField("component", "lock_registry"),
		clock:    clock,
		active:   make(map[lockKey]*OrderLock),
		byThread: make(map[string][]*OrderLock),
		byID:     make(map[idKey]*OrderLock),
	}
}

// NewThreadID mints a correlation id for one hedged operation, e.g.
// "open-ETH-1a2b3c4d".
func NewThreadID(op string, symbol core.Symbol) string {
	return fmt.Sprintf("%s-%s-%s", op, symbol, uuid.NewString()[:8])
}

// RegisterOrderPlacing inserts a PLACING record and takes the
// (venue, symbol, side) lock. It fails with ErrLockHeld while another
// order is active on the same key; callers must not place the venue
// order until registration succeeds.
func (r *LockRegistry) RegisterOrderPlacing(orderID string, symbol core.Symbol, venue core.Venue, side core.Side, threadID string, size, price decimal.Decimal) error {
	symbol = core.NormalizeSymbol(string(symbol))
	key := lockKey{venue: venue, symbol: symbol, side: side}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.active[key]; ok {
		return fmt.Errorf("%w: %s %s %s held by order %q thread %q", ErrLockHeld, venue, symbol, side, held.OrderID, held.ThreadID)
	}

	now := r.clock.Now()
	lock := &OrderLock{
		OrderID:   orderID,
		ThreadID:  threadID,
		Venue:     venue,
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Price:     price,
		Status:    LockPlacing,
		PlacedAt:  now,
		UpdatedAt: now,
	}
	r.active[key] = lock
	r.byThread[threadID] = append(r.byThread[threadID], lock)
	if orderID != "" {
		r.byID[idKey{venue: venue, orderID: orderID}] = lock
	}
	telemetry.GetGlobalMetrics().SetActiveOrders(int64(len(r.active)))
	return nil
}

// UpdateOrderStatus moves the active record on (venue, symbol, side)
// through PLACING -> WAITING_FILL -> terminal. A non-empty orderID is
// stamped onto the record once the venue assigns one; an update whose
// id contradicts the record's stamped id is ignored, it belongs to an
// older order on the same key. Returns false when no active record
// matched.
func (r *LockRegistry) UpdateOrderStatus(venue core.Venue, symbol core.Symbol, side core.Side, status LockStatus, orderID string) bool {
	symbol = core.NormalizeSymbol(string(symbol))
	key := lockKey{venue: venue, symbol: symbol, side: side}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.active[key]
	if !ok {
		r.logger.Debug("Order status update without active record",
			"venue", venue, "symbol", symbol, "side", side, "status", status, "order_id", orderID)
		return false
	}
	// A PLACING record may carry a client-side id that the venue ack
	// replaces. After that, a different id means the update belongs to
	// an older order on this key.
	if orderID != "" && lock.OrderID != "" && lock.OrderID != orderID && lock.Status != LockPlacing {
		r.logger.Warn("Order status update id mismatch, ignoring",
			"venue", venue, "symbol", symbol, "side", side,
			"have", lock.OrderID, "got", orderID, "status", status)
		return false
	}
	if status == LockPlacing {
		r.logger.Warn("Refusing transition back to PLACING",
			"venue", venue, "symbol", symbol, "side", side, "order_id", lock.OrderID)
		return false
	}

	if orderID != "" && lock.OrderID != orderID {
		if lock.OrderID != "" {
			delete(r.byID, idKey{venue: venue, orderID: lock.OrderID})
		}
		lock.OrderID = orderID
		r.byID[idKey{venue: venue, orderID: orderID}] = lock
	}
	lock.Status = status
	lock.UpdatedAt = r.clock.Now()

	if status.Terminal() {
		delete(r.active, key)
		telemetry.GetGlobalMetrics().SetActiveOrders(int64(len(r.active)))
	}
	return true
}

// HasActiveOrder reports whether a non-terminal record exists for the
// key.
func (r *LockRegistry) HasActiveOrder(venue core.Venue, symbol core.Symbol, side core.Side) bool {
	key := lockKey{venue: venue, symbol: core.NormalizeSymbol(string(symbol)), side: side}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

// KnownOrder reports whether a non-terminal record tracks the given
// venue-assigned order id. The guardian's orphan sweep uses it to tell
// the keeper's own orders from strays. A terminal record does not
// protect an id: a venue order still open after its record settled is
// itself a stray.
func (r *LockRegistry) KnownOrder(venue core.Venue, orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.byID[idKey{venue: venue, orderID: orderID}]
	return ok && !lock.Status.Terminal()
}

// ActiveOrders returns copies of every non-terminal record.
func (r *LockRegistry) ActiveOrders() []*OrderLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OrderLock, 0, len(r.active))
	for _, lock := range r.active {
		cp := *lock
		out = append(out, &cp)
	}
	return out
}

// ByThread returns copies of every record in a thread, terminal legs
// included.
func (r *LockRegistry) ByThread(threadID string) []*OrderLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.byThread[threadID]
	out := make([]*OrderLock, 0, len(src))
	for _, lock := range src {
		cp := *lock
		out = append(out, &cp)
	}
	return out
}

// Threads returns copies of all live records grouped by thread id.
func (r *LockRegistry) Threads() map[string][]*OrderLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]*OrderLock, len(r.byThread))
	for id, src := range r.byThread {
		cp := make([]*OrderLock, 0, len(src))
		for _, lock := range src {
			v := *lock
			cp = append(cp, &v)
		}
		out[id] = cp
	}
	return out
}

// ForceClearOrder removes the record on (venue, symbol, side) from the
// registry entirely. Used when reality has diverged from the record
// irrecoverably. Returns false when no active record existed.
func (r *LockRegistry) ForceClearOrder(venue core.Venue, symbol core.Symbol, side core.Side) bool {
	symbol = core.NormalizeSymbol(string(symbol))
	key := lockKey{venue: venue, symbol: symbol, side: side}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.active[key]
	if !ok {
		return false
	}
	delete(r.active, key)
	if lock.OrderID != "" {
		delete(r.byID, idKey{venue: venue, orderID: lock.OrderID})
	}
	records := r.byThread[lock.ThreadID]
	kept := records[:0]
	for _, rec := range records {
		if rec != lock {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(r.byThread, lock.ThreadID)
	} else {
		r.byThread[lock.ThreadID] = kept
	}
	r.logger.Warn("Force-cleared order lock",
		"venue", venue, "symbol", symbol, "side", side, "order_id", lock.OrderID, "thread_id", lock.ThreadID)
	telemetry.GetGlobalMetrics().SetActiveOrders(int64(len(r.active)))
	return true
}

// PruneThreads drops threads whose records are all terminal and whose
// newest update is older than maxAge. Returns how many threads were
// removed.
func (r *LockRegistry) PruneThreads(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, records := range r.byThread {
		done := true
		for _, lock := range records {
			if !lock.Status.Terminal() || lock.UpdatedAt.After(cutoff) {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		for _, lock := range records {
			if lock.OrderID != "" {
				delete(r.byID, idKey{venue: lock.Venue, orderID: lock.OrderID})
			}
		}
		delete(r.byThread, id)
		pruned++
	}
	return pruned
}
