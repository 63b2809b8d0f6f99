package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdelgatto/permabull/internal/auction"
	"github.com/rdelgatto/permabull/internal/config"
	"github.com/rdelgatto/permabull/internal/dashboard"
	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/executor"
	"github.com/rdelgatto/permabull/internal/killswitch"
	"github.com/rdelgatto/permabull/internal/market"
	"github.com/rdelgatto/permabull/internal/metrics"
	"github.com/rdelgatto/permabull/internal/positions"
	"github.com/rdelgatto/permabull/internal/retry"
	"github.com/rdelgatto/permabull/internal/risk"
	"github.com/rdelgatto/permabull/internal/specs"
	"github.com/rdelgatto/permabull/internal/storage"
	"github.com/rdelgatto/permabull/internal/strategy"
)

func main() {
	var configPath string
	var killSwitchPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&killSwitchPath, "killswitch", "data/killswitch.json", "Path to kill-switch state file")
	flag.Parse()

	// .env is optional; real env wins over file values.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if err := checkLegacyGuards(); err != nil {
		log.Fatalf("Refusing to start: %v", err)
	}

	log.WithField("mode", cfg.Environment.Mode).Info("starting trader")
	if !cfg.IsPaperTrading() {
		log.Warn("LIVE TRADING MODE - real money at risk")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(cfg, killSwitchPath, log)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	defer app.store.Close()

	if err := app.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Trader error: %v", err)
	}
	log.Info("trader stopped")
}

// checkLegacyGuards enforces the environment contract: production must run
// on the v2 state machine and never through the legacy manager.
func checkLegacyGuards() error {
	if os.Getenv("ENVIRONMENT") != "prod" {
		return nil
	}
	if truthy(os.Getenv("DRY_RUN")) || truthy(os.Getenv("SYSTEM_DRY_RUN")) {
		return errors.New("DRY_RUN set with ENVIRONMENT=prod; the legacy dry-run path is disabled in production")
	}
	if v, ok := os.LookupEnv("USE_STATE_MACHINE_V2"); ok && v != "true" {
		return errors.New("USE_STATE_MACHINE_V2 must be true in production")
	}
	return nil
}

func truthy(v string) bool {
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store storage.Interface

	cycle      *TradingCycle
	reconciler *Reconciler
	monitor    *OrderMonitor
	manager    *positions.Manager
	met        *metrics.Metrics
	ks         *killswitch.Switch
	specs      *specs.Registry
	dash       *dashboard.Server
}

func buildApp(cfg *config.Config, killSwitchPath string, log *logrus.Logger) (*app, error) {
	var ex exchange.Exchange = exchange.NewKrakenClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, log)
	if cfg.Exchange.BaseURL != "" {
		ex = exchange.NewKrakenClientWithBaseURL(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			cfg.Exchange.BaseURL, nil, log)
	}
	ex = exchange.NewCircuitBreakerExchange(ex, log)
	if cfg.IsPaperTrading() {
		// Market data still flows through the real client; orders and
		// account state are simulated.
		ex = exchange.NewPaperExchange(ex, cfg.Environment.PaperEquityUSD, log)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	ks, err := killswitch.New(killSwitchPath, log)
	if err != nil {
		return nil, err
	}

	specRegistry := specs.NewRegistry(ex, os.Getenv("INSTRUMENT_SPECS_CACHE_PATH"), log)

	exec, err := executor.New(ex, specRegistry, store, cfg.Execution, log)
	if err != nil {
		return nil, err
	}

	reg := positions.NewRegistry(store)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	met := metrics.New()
	candles := market.NewStore(market.DefaultCapacity)
	pipeline := strategy.NewPipeline(cfg.Strategy.Pipeline)
	gate := risk.NewGate(cfg.Risk)
	cooldowns := risk.NewCooldownTracker(risk.DefaultCooldownConfig())
	shock := risk.NewShockGuard(cfg.ShockGuard)
	allocator := auction.New(cfg.Auction)
	rebalancer := auction.NewRebalancer(cfg.Auction, cfg.Rebalance)
	retrier := retry.NewClient(ex, log)

	mgmt := cfg.Management
	mgmt.Rules = cfg.MultiTP

	cycle := NewTradingCycle(cycleDeps{
		cfg:        cfg,
		log:        log,
		ex:         ex,
		store:      store,
		specs:      specRegistry,
		candles:    candles,
		pipeline:   pipeline,
		gate:       gate,
		cooldowns:  cooldowns,
		shock:      shock,
		allocator:  allocator,
		rebalancer: rebalancer,
		exec:       exec,
		retrier:    retrier,
		registry:   reg,
		ks:         ks,
		met:        met,
	})

	manager := positions.NewManager(reg, exec, specRegistry, log, mgmt, cycle.MarkOf, nil)
	cycle.manager = manager

	reconciler := NewReconciler(cfg, log, ex, store, reg, specRegistry, exec, met)
	monitor := NewOrderMonitor(log, ex, reg, exec, manager, cycle.MarkOf)
	monitor.OnFill = reconciler.Wake

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard, store, reg, ks, cycle.MarkOf, cycle.CloseAll, log)
	}

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		cycle:      cycle,
		reconciler: reconciler,
		monitor:    monitor,
		manager:    manager,
		met:        met,
		ks:         ks,
		specs:      specRegistry,
		dash:       dash,
	}, nil
}

func (a *app) run(ctx context.Context) error {
	// Specs must exist before the first cycle; a stale cache is acceptable,
	// no specs at all is not.
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.specs.Load(loadCtx)
	cancel()
	if err != nil {
		return err
	}

	// Startup reconciliation runs before any trading so adopted positions
	// are protected first.
	if err := a.reconciler.ReconcileOnce(ctx); err != nil {
		a.log.WithError(err).Warn("startup reconciliation incomplete")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.cycle.Run(ctx) })
	g.Go(func() error { return a.reconciler.Run(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.manager.Run(ctx) })

	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.met.Handler())
		srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	if a.dash != nil {
		g.Go(func() error {
			err := a.dash.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.dash.Shutdown(shutCtx)
		})
	}

	err = g.Wait()

	// Graceful shutdown: sweep for ghost orders so no local record points at
	// an order the venue no longer has.
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if gerr := a.reconciler.GhostSweep(shutCtx); gerr != nil {
		a.log.WithError(gerr).Warn("shutdown ghost sweep failed")
	}
	return err
}
