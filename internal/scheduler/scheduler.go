// Package scheduler is the keeper's control plane. It drives the
// periodic loops (guardian, reconciliation, market refresh, NAV sync),
// consumes vault capital events, and turns funding differentials into
// hedged pair openings. Components stay ignorant of each other; every
// cross-component decision lives here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/guardian"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/market"
	"funding_keeper/internal/reconcile"
	"funding_keeper/internal/unwind"
	"funding_keeper/internal/vault"
	"funding_keeper/pkg/concurrency"
)

// tickTimeout bounds one loop tick; a venue that stops answering must
// not wedge the loop past its next interval forever.
const tickTimeout = 30 * time.Second

// Broadcaster pushes control-plane events to diagnostics subscribers.
// Satisfied by the diag server; nil means no live feed.
type Broadcaster interface {
	Broadcast(msg diag.Message)
}

// VenueGate vetoes venues for new exposure. Satisfied by the risk trip
// switch; nil means every venue is eligible.
type VenueGate interface {
	Allow(venue core.Venue) error
}

// Deps wires the scheduler to the components it coordinates. Venues,
// Cache, Registry, Executor, Guardian, Reconcile, Unwinder and
// Predictor are required; the rest degrade to no-ops when nil.
type Deps struct {
	Venues    map[core.Venue]core.IExchange
	Cache     *market.Cache
	Registry  *execution.LockRegistry
	Executor  *execution.HedgedExecutor
	Guardian  *guardian.Guardian
	Reconcile *reconcile.Engine
	Unwinder  *unwind.Unwinder
	Predictor core.IPredictor
	Trips     VenueGate
	Journal   journal.Journal
	Alerts    *alert.AlertManager
	Events    vault.Stream
	Broadcast Broadcaster
	Pool      *concurrency.WorkerPool
}

type Scheduler struct {
	venues    map[core.Venue]core.IExchange
	cache     *market.Cache
	registry  *execution.LockRegistry
	executor  *execution.HedgedExecutor
	guardian  *guardian.Guardian
	reconcile *reconcile.Engine
	unwinder  *unwind.Unwinder
	predictor core.IPredictor
	trips     VenueGate
	journal   journal.Journal
	alerts    *alert.AlertManager
	events    vault.Stream
	broadcast Broadcaster
	pool      *concurrency.WorkerPool

	cfg     *config.Config
	logger  core.ILogger
	clock   core.Clock
	symbols []core.Symbol

	mu               sync.Mutex
	capital          decimal.Decimal
	activeExecutions int
	lastNAV          *NAVSnapshot
}

func New(deps Deps, cfg *config.Config, logger core.ILogger, clock core.Clock) *Scheduler {
	if clock == nil {
		clock = core.RealClock{}
	}
	symbols := make([]core.Symbol, 0, len(cfg.App.Symbols))
	for _, s := range cfg.App.Symbols {
		symbols = append(symbols, core.NormalizeSymbol(s))
	}
	return &Scheduler{
		venues:    deps.Venues,
		cache:     deps.Cache,
		registry:  deps.Registry,
		executor:  deps.Executor,
		guardian:  deps.Guardian,
		reconcile: deps.Reconcile,
		unwinder:  deps.Unwinder,
		predictor: deps.Predictor,
		trips:     deps.Trips,
		journal:   deps.Journal,
		alerts:    deps.Alerts,
		events:    deps.Events,
		broadcast: deps.Broadcast,
		pool:      deps.Pool,
		cfg:       cfg,
		logger:    logger.WithField("component", "scheduler"),
		clock:     clock,
		symbols:   symbols,
	}
}

// Run blocks until ctx ends, driving every loop. Tick failures are
// logged and the loop keeps going; a venue outage must degrade the
// keeper, not kill it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		"venues", len(s.venues),
		"symbols", len(s.symbols))

	s.startOrderStreams(ctx)
	defer s.stopOrderStreams()

	// Prime marks and positions so the first deploy or reconcile pass
	// does not run against an empty cache.
	primeCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	s.refreshTick(primeCtx)
	cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runLoop(ctx, "guardian", s.guardian.Interval(), s.guardianTick)
	})
	g.Go(func() error {
		return s.runLoop(ctx, "reconcile", s.reconcile.Interval(), s.reconcileTick)
	})
	g.Go(func() error {
		interval := time.Duration(s.cfg.Cache.RefreshIntervalSeconds) * time.Second
		return s.runLoop(ctx, "market_refresh", interval, s.refreshTick)
	})
	g.Go(func() error {
		interval := time.Duration(s.cfg.Scheduler.NavSyncIntervalSeconds) * time.Second
		return s.runLoop(ctx, "nav_sync", interval, s.syncNAV)
	})
	g.Go(func() error {
		s.consumeVaultEvents(ctx)
		return nil
	})
	return g.Wait()
}

// runLoop drives fn on a fixed interval. Ticks run inline, so a tick
// still in flight simply delays the next one; a loop never overlaps
// itself.
func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Loop stopped", "loop", name)
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
			fn(tickCtx)
			cancel()
		}
	}
}

func (s *Scheduler) guardianTick(ctx context.Context) {
	if err := s.guardian.Tick(ctx); err != nil && !errors.Is(err, guardian.ErrTickInProgress) {
		s.logger.Warn("Guardian tick failed", "error", err.Error())
	}
}

func (s *Scheduler) reconcileTick(ctx context.Context) {
	res, err := s.reconcile.RunOnce(ctx)
	if err != nil {
		if !errors.Is(err, reconcile.ErrPassInProgress) {
			s.logger.Warn("Reconciliation pass failed", "error", err.Error())
		}
		return
	}
	s.handleReconcileResult(ctx, res)
}

func (s *Scheduler) refreshTick(ctx context.Context) {
	if err := s.cache.RefreshAll(ctx, s.symbols); err != nil {
		s.logger.Warn("Market refresh failed", "error", err.Error())
	}
}

// startOrderStreams subscribes the guardian to every venue's terminal
// order events. A venue without a stream still works; the guardian
// polls order status during its sweeps anyway.
func (s *Scheduler) startOrderStreams(ctx context.Context) {
	for venue, ex := range s.venues {
		if err := ex.StartOrderStream(ctx, s.guardian.HandleOrderUpdate); err != nil {
			s.logger.Warn("Order stream unavailable, relying on polling",
				"venue", venue,
				"error", err.Error())
		}
	}
}

func (s *Scheduler) stopOrderStreams() {
	for venue, ex := range s.venues {
		if err := ex.StopOrderStream(); err != nil {
			s.logger.Debug("Order stream stop failed", "venue", venue, "error", err.Error())
		}
	}
}

// beginExecution marks an opening or sizing task in flight. The flag
// gates flat-pair cleanup: a freshly registered pair looks flat until
// its first fill lands, and forgetting it in that window would orphan
// the positions that arrive a moment later.
func (s *Scheduler) beginExecution() {
	s.mu.Lock()
	s.activeExecutions++
	s.mu.Unlock()
}

func (s *Scheduler) endExecution() {
	s.mu.Lock()
	s.activeExecutions--
	s.mu.Unlock()
}

// ActiveExecutions reports how many opening or sizing tasks are in
// flight.
func (s *Scheduler) ActiveExecutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeExecutions
}

// Capital reports the USD the vault currently has entrusted to the
// keeper.
func (s *Scheduler) Capital() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capital
}

func (s *Scheduler) alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Alert(ctx, title, message, level, fields)
}

func (s *Scheduler) journalEntry(ctx context.Context, e journal.Entry) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, e)
}

func (s *Scheduler) publish(msg diag.Message) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Broadcast(msg)
}

func (s *Scheduler) venueFor(venue core.Venue) (core.IExchange, error) {
	ex, ok := s.venues[venue]
	if !ok {
		return nil, fmt.Errorf("no adapter for venue %s", venue)
	}
	return ex, nil
}
