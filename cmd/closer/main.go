// Command closer runs the position closure and reconciliation engine:
// it tracks profit-target fills from the broker event stream, escalates
// closing orders as expiration approaches, and reconciles the ledger
// against broker transaction history.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/bus"
	"github.com/eddiefleurent/scranton_closer/internal/config"
	"github.com/eddiefleurent/scranton_closer/internal/dashboard"
	"github.com/eddiefleurent/scranton_closer/internal/escalation"
	"github.com/eddiefleurent/scranton_closer/internal/orders"
	"github.com/eddiefleurent/scranton_closer/internal/reconcile"
	"github.com/eddiefleurent/scranton_closer/internal/retry"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
	"github.com/eddiefleurent/scranton_closer/internal/stream"
	"github.com/eddiefleurent/scranton_closer/internal/tracker"
)

// App wires the closure engine components together.
type App struct {
	config     *config.Config
	storage    storage.Interface
	tracker    *tracker.Tracker
	escalation *escalation.Engine
	reconciler *reconcile.Service
	consumer   *stream.Consumer
	dashboard  *dashboard.Server
	logger     *log.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local development; config expands ${VARS} itself.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[CLOSER] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting closure engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		cancel()
	}()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine error: %v", err)
	}

	logger.Println("Engine stopped successfully")
}

func buildApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading())
	if cfg.Broker.APIEndpoint != "" {
		tradier = tradier.WithBaseURL(cfg.Broker.APIEndpoint)
	}
	var b broker.Broker = broker.NewCircuitBreakerBroker(tradier)

	events := bus.New()
	userID := cfg.Notification.UserID

	trk := tracker.New(store, events, events, logger, userID)
	coordinator := orders.NewCoordinator(b, store, logger)
	engine := escalation.New(store, coordinator, events, events, logger, userID, escalation.Config{
		ThresholdDTE: cfg.Escalation.ThresholdDTE,
		MaxRetries:   cfg.Escalation.MaxRetries,
	})
	history := retry.NewClient(b, logger)
	reconciler := reconcile.New(store, history, events, logger)
	consumer := stream.New(b, trk.ApplyFillEvent, logger)

	app := &App{
		config:     cfg,
		storage:    store,
		tracker:    trk,
		escalation: engine,
		reconciler: reconciler,
		consumer:   consumer,
		logger:     logger,
	}

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(level)
		}
		app.dashboard = dashboard.NewServer(dashboard.Config{
			ListenAddr: cfg.Dashboard.ListenAddr,
			AuthToken:  cfg.Dashboard.AuthToken,
		}, store, dashLogger)
	}

	return app, nil
}

// Run starts the event consumer, sweep loops and dashboard, and blocks until
// the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Printf("Ledger loaded: %d open positions", len(a.storage.GetOpenPositions()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.consumer.Run(ctx)
	})

	g.Go(func() error {
		return a.runDTESweeps(ctx)
	})

	g.Go(func() error {
		return a.runReconcileSweeps(ctx)
	})

	if a.dashboard != nil {
		g.Go(func() error {
			if err := a.dashboard.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.dashboard.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// runDTESweeps drives the escalation engine on the configured cadence,
// restricted to market hours since closing orders only work then.
func (a *App) runDTESweeps(ctx context.Context) error {
	ticker := time.NewTicker(a.config.GetDTESweepInterval())
	defer ticker.Stop()

	a.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) {
	now := time.Now()
	if !a.config.IsWithinTradingHours(now) {
		a.logger.Printf("Outside trading hours (%s - %s), skipping escalation sweep",
			a.config.Schedule.TradingStart, a.config.Schedule.TradingEnd)
		return
	}
	if err := a.escalation.RunSweep(ctx, now); err != nil {
		a.logger.Printf("Escalation sweep failed: %v", err)
	}
}

// runReconcileSweeps drives ledger-vs-history reconciliation. Unlike the DTE
// sweep it runs around the clock; transaction history is available after hours.
func (a *App) runReconcileSweeps(ctx context.Context) error {
	ticker := time.NewTicker(a.config.GetReconcileInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.reconciler.Run(ctx); err != nil {
				a.logger.Printf("Reconciliation sweep failed: %v", err)
			}
		}
	}
}
