// Package market maintains the shared view of venue positions and mark
// prices. Entries only exist when an authoritative source produced
// them: the cache may lag reality but never fabricates. Loops that need
// a consistent view call RefreshAll first; read-heavy paths use the
// cached snapshot.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/concurrency"
)

type markKey struct {
	venue  core.Venue
	symbol core.Symbol
}

// Cache is the process-wide market state store.
type Cache struct {
	venues map[core.Venue]core.IExchange
	pool   *concurrency.WorkerPool
	logger core.ILogger
	clock  core.Clock

	group singleflight.Group

	mu         sync.RWMutex
	positions  map[core.Venue][]*core.Position
	marks      map[markKey]decimal.Decimal
	lastUpdate time.Time
}

// NewCache creates a market state cache over the active venues. The
// pool bounds venue I/O; callers normally share one process-wide pool,
// and a nil pool gets a private one.
func NewCache(venues map[core.Venue]core.IExchange, pool *concurrency.WorkerPool, logger core.ILogger, clock core.Clock) *Cache {
	if clock == nil {
		clock = core.RealClock{}
	}
	if pool == nil {
		pool = concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "market-cache"}, logger)
	}
	return &Cache{
		venues:    venues,
		pool:      pool,
		logger:    logger.WithField("component", "market_cache"),
		clock:     clock,
		positions: make(map[core.Venue][]*core.Position),
		marks:     make(map[markKey]decimal.Decimal),
	}
}

// RefreshAll fetches positions and marks from every venue in parallel.
// Concurrent callers are collapsed onto the in-flight refresh and all
// observe its result. A venue failure fails the whole refresh and
// leaves the previous state in place. Marks are fetched for the
// requested symbols plus every symbol a venue reports a position in.
func (c *Cache) RefreshAll(ctx context.Context, symbols []core.Symbol) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx, symbols)
	})
	return err
}

func (c *Cache) refresh(ctx context.Context, symbols []core.Symbol) error {
	var (
		mu        sync.Mutex
		positions = make(map[core.Venue][]*core.Position, len(c.venues))
		marks     = make(map[markKey]decimal.Decimal, len(c.venues)*len(symbols))
	)

	g, gctx := c.pool.GroupContext(ctx)
	for venue, ex := range c.venues {
		g.Submit(func() error {
			pos, err := ex.GetPositions(gctx)
			if err != nil {
				return err
			}

			want := make(map[core.Symbol]struct{}, len(symbols)+len(pos))
			for _, s := range symbols {
				want[core.NormalizeSymbol(string(s))] = struct{}{}
			}
			for _, p := range pos {
				want[core.NormalizeSymbol(string(p.Symbol))] = struct{}{}
			}

			fetched := make(map[markKey]decimal.Decimal, len(want))
			for symbol := range want {
				mark, err := ex.GetMarkPrice(gctx, symbol)
				if err != nil {
					return err
				}
				fetched[markKey{venue: venue, symbol: symbol}] = mark
			}

			mu.Lock()
			positions[venue] = pos
			for k, v := range fetched {
				marks[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("Market refresh failed, keeping previous state", "error", err)
		return err
	}

	c.mu.Lock()
	c.positions = positions
	for k, v := range marks {
		c.marks[k] = v
	}
	c.lastUpdate = c.clock.Now()
	c.mu.Unlock()

	return nil
}

// Positions returns a snapshot copy of one venue's positions.
func (c *Cache) Positions(venue core.Venue) []*core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.positions[venue]
	out := make([]*core.Position, len(src))
	for i, p := range src {
		cp := *p
		out[i] = &cp
	}
	return out
}

// AllPositions returns a snapshot copy of every venue's positions.
func (c *Cache) AllPositions() map[core.Venue][]*core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[core.Venue][]*core.Position, len(c.positions))
	for venue, src := range c.positions {
		cp := make([]*core.Position, len(src))
		for i, p := range src {
			v := *p
			cp[i] = &v
		}
		out[venue] = cp
	}
	return out
}

// Position returns one venue's cached position for a symbol, nil when
// flat.
func (c *Cache) Position(venue core.Venue, symbol core.Symbol) *core.Position {
	want := core.NormalizeSymbol(string(symbol))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.positions[venue] {
		if p.Symbol == want {
			cp := *p
			return &cp
		}
	}
	return nil
}

// Mark returns the cached mark price for (venue, symbol).
func (c *Cache) Mark(venue core.Venue, symbol core.Symbol) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mark, ok := c.marks[markKey{venue: venue, symbol: core.NormalizeSymbol(string(symbol))}]
	return mark, ok
}

// UpsertPosition patches one venue position in place. Reconciliation
// uses it to correct drift it has just verified against the venue. A
// nil or zero-size position removes the entry.
func (c *Cache) UpsertPosition(venue core.Venue, symbol core.Symbol, pos *core.Position) {
	want := core.NormalizeSymbol(string(symbol))
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.positions[venue]
	out := make([]*core.Position, 0, len(existing)+1)
	for _, p := range existing {
		if p.Symbol != want {
			out = append(out, p)
		}
	}
	if pos != nil && !pos.Size.IsZero() {
		cp := *pos
		cp.Symbol = want
		cp.Venue = venue
		out = append(out, &cp)
	}
	c.positions[venue] = out
}

// UpsertMark patches one cached mark price.
func (c *Cache) UpsertMark(venue core.Venue, symbol core.Symbol, mark decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[markKey{venue: venue, symbol: core.NormalizeSymbol(string(symbol))}] = mark
}

// LastUpdate returns when the last successful full refresh completed.
func (c *Cache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
