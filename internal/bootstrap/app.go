// Package bootstrap assembles the keeper process: configuration,
// logging, telemetry, venue adapters, the trading components and the
// control plane, then runs them under one signal-aware error group.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/exchange"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/guardian"
	"funding_keeper/internal/infrastructure/health"
	"funding_keeper/internal/infrastructure/metrics"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/market"
	"funding_keeper/internal/predictor"
	"funding_keeper/internal/reconcile"
	"funding_keeper/internal/risk"
	"funding_keeper/internal/scheduler"
	"funding_keeper/internal/unwind"
	"funding_keeper/internal/vault"
	"funding_keeper/pkg/concurrency"
	"funding_keeper/pkg/logging"
	"funding_keeper/pkg/telemetry"
)

const (
	preflightTimeout = 30 * time.Second
	shutdownTimeout  = 15 * time.Second
)

// telemetryOnce guards the global meter provider; the prometheus
// exporter registers on the default registry and must not run twice.
var telemetryOnce sync.Once

// Runner is one long-running keeper surface. Start blocks until ctx
// ends or the surface fails; Stop performs bounded cleanup afterwards.
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type runner struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// NewRunner adapts a start/stop function pair to the Runner interface.
// A nil stop means there is nothing to clean up.
func NewRunner(name string, start, stop func(context.Context) error) Runner {
	return &runner{name: name, start: start, stop: stop}
}

func (r *runner) Name() string { return r.name }

func (r *runner) Start(ctx context.Context) error { return r.start(ctx) }

func (r *runner) Stop(ctx context.Context) error {
	if r.stop == nil {
		return nil
	}
	return r.stop(ctx)
}

// App holds every wired component. Fields are exported so an embedding
// binary can reach individual pieces, most importantly Vault, which an
// external capital ingestor publishes into.
type App struct {
	Cfg    *Config
	Logger core.ILogger

	Venues    map[core.Venue]core.IExchange
	Registry  *execution.LockRegistry
	Cache     *market.Cache
	Trips     *risk.TripSwitch
	Executor  *execution.HedgedExecutor
	Predictor core.IPredictor
	Guardian  *guardian.Guardian
	Reconcile *reconcile.Engine
	Unwinder  *unwind.Unwinder
	Journal   journal.Journal
	Alerts    *alert.AlertManager
	Vault     *vault.ChannelStream
	Health    *health.Manager
	Diag      *diag.Server
	Scheduler *scheduler.Scheduler

	pool    *concurrency.WorkerPool
	zap     *logging.ZapLogger
	runners []Runner
}

// NewApp loads configuration from path and wires the full component
// graph. Nothing dials out here; network contact starts with the
// preflight inside Run.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	zl := InitLogger(cfg)
	logger := core.ILogger(zl)

	var telemetryErr error
	telemetryOnce.Do(func() { telemetryErr = telemetry.InitMetrics() })
	if telemetryErr != nil {
		return nil, fmt.Errorf("telemetry: %w", telemetryErr)
	}

	clock := core.RealClock{}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "keeper",
		MaxWorkers:  16,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)

	venues, err := exchange.NewAll(cfg, logger, clock)
	if err != nil {
		pool.Stop()
		return nil, fmt.Errorf("venues: %w", err)
	}

	registry := execution.NewLockRegistry(logger, clock)
	cache := market.NewCache(venues, pool, logger, clock)
	trips := risk.NewTripSwitch(cfg, logger, clock)

	executor := execution.NewHedgedExecutor(venues, registry, cfg, logger, clock)
	executor.SetTripGuard(trips)

	pred := predictor.NewVenueSource(venues, logger)
	guard := guardian.NewGuardian(venues, registry, pred, cfg, logger, clock)
	engine := reconcile.NewEngine(venues, cache, registry, cfg, logger, clock)
	unwinder := unwind.NewUnwinder(venues, cache, registry, cfg, logger, clock)

	jnl, err := newJournal(cfg, logger, clock)
	if err != nil {
		pool.Stop()
		return nil, fmt.Errorf("journal: %w", err)
	}

	alerts := newAlerts(cfg, logger, clock)
	stream := vault.NewChannelStream(16, logger, clock)

	hm := health.NewManager(logger)
	for venue, ex := range venues {
		hm.Register("venue_"+string(venue), readyProbe(venue, ex))
	}

	diagSrv := diag.NewServer(diag.Sources{
		Orders:    registry,
		Reconcile: engine,
		Retries:   guard,
		Trips:     trips,
		Positions: cache,
		Journal:   jnl,
		Health:    hm,
	}, cfg, logger, clock)

	sched := scheduler.New(scheduler.Deps{
		Venues:    venues,
		Cache:     cache,
		Registry:  registry,
		Executor:  executor,
		Guardian:  guard,
		Reconcile: engine,
		Unwinder:  unwinder,
		Predictor: pred,
		Trips:     trips,
		Journal:   jnl,
		Alerts:    alerts,
		Events:    stream,
		Broadcast: diagSrv,
		Pool:      pool,
	}, cfg, logger, clock)

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Venues:    venues,
		Registry:  registry,
		Cache:     cache,
		Trips:     trips,
		Executor:  executor,
		Predictor: pred,
		Guardian:  guard,
		Reconcile: engine,
		Unwinder:  unwinder,
		Journal:   jnl,
		Alerts:    alerts,
		Vault:     stream,
		Health:    hm,
		Diag:      diagSrv,
		Scheduler: sched,
		pool:      pool,
		zap:       zl,
	}

	if cfg.Telemetry.EnableMetrics {
		ms := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		app.runners = append(app.runners, NewRunner("metrics", ms.Start, ms.Stop))
	}
	app.runners = append(app.runners,
		NewRunner("diag", diagSrv.Start, diagSrv.Stop),
		NewRunner("scheduler", sched.Run, nil),
	)

	return app, nil
}

// Run blocks until SIGINT/SIGTERM or a runner failure, then performs
// the bounded shutdown. Extra runners join the managed set for this
// run.
func (a *App) Run(extra ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.preflight(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	runners := append(append([]Runner{}, a.runners...), extra...)

	a.Logger.Info("Keeper starting",
		"venues", len(a.Venues),
		"symbols", len(a.Cfg.App.Symbols),
		"runners", len(runners))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			a.Logger.Info("Runner started", "runner", r.Name())
			if err := r.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Keeper stopping after runner failure", "error", err.Error())
	} else {
		err = nil
		a.Logger.Info("Keeper stopping on signal")
	}

	a.shutdown(runners)
	return err
}

// preflight verifies connectivity to every venue before any loop
// starts. A venue that cannot answer now would only fail later with a
// position at stake.
func (a *App) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for venue, ex := range a.Venues {
		g.Go(func() error {
			if err := ex.TestConnection(ctx); err != nil {
				return fmt.Errorf("venue %s: %w", venue, err)
			}
			a.Logger.Info("Venue reachable", "venue", string(venue))
			return nil
		})
	}
	return g.Wait()
}

// shutdown stops runners in reverse start order under one deadline,
// then cancels any orders still resting on the venues when configured
// to. The trading loops are already down, so the cancels race nothing.
func (a *App) shutdown(runners []Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(runners) - 1; i >= 0; i-- {
		r := runners[i]
		if err := r.Stop(ctx); err != nil {
			a.Logger.Warn("Runner stop failed", "runner", r.Name(), "error", err.Error())
		}
	}

	if a.Cfg.System.CancelOrdersOnExit {
		a.cancelOpenOrders(ctx)
	}
}

func (a *App) cancelOpenOrders(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for venue, ex := range a.Venues {
		g.Go(func() error {
			total := 0
			for _, raw := range a.Cfg.App.Symbols {
				n, err := ex.CancelAllOrders(ctx, core.NormalizeSymbol(raw))
				if err != nil {
					a.Logger.Warn("Exit cancel failed",
						"venue", string(venue),
						"symbol", raw,
						"error", err.Error())
					continue
				}
				total += n
			}
			if total > 0 {
				a.Logger.Info("Cancelled resting orders on exit",
					"venue", string(venue),
					"count", total)
			}
			return nil
		})
	}
	g.Wait()
}

// Close releases everything Run does not manage: the vault stream, the
// worker pool, the journal and the log buffers. Call after Run returns.
func (a *App) Close() {
	a.Vault.Close()
	a.Logger.Info("Draining worker pool", "stats", a.pool.Stats())
	a.pool.Stop()
	if err := a.Journal.Close(); err != nil {
		a.Logger.Warn("Journal close failed", "error", err.Error())
	}
	_ = a.zap.Sync()
}

func newJournal(cfg *Config, logger core.ILogger, clock core.Clock) (journal.Journal, error) {
	if cfg.Journal.Enabled {
		return journal.NewSQLite(cfg.Journal.Path, logger, clock)
	}
	return journal.NewMemory(1024, clock), nil
}

func newAlerts(cfg *Config, logger core.ILogger, clock core.Clock) *alert.AlertManager {
	am := alert.NewAlertManager(logger, clock)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		am.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" {
		am.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	return am
}

func readyProbe(venue core.Venue, ex core.IExchange) health.Probe {
	return func() error {
		if !ex.IsReady() {
			return fmt.Errorf("%s adapter not ready", venue)
		}
		return nil
	}
}
