// Command sequencer launches the prediction-market matching service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/oddsmill/sequencer/config"
	"github.com/oddsmill/sequencer/internal/bus/eventbus"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/engine"
	"github.com/oddsmill/sequencer/internal/infra/persistence/memory"
	"github.com/oddsmill/sequencer/internal/infra/persistence/postgres"
	httpserver "github.com/oddsmill/sequencer/internal/infra/server/http"
	"github.com/oddsmill/sequencer/internal/ingest"
	"github.com/oddsmill/sequencer/internal/mirror"
	"github.com/oddsmill/sequencer/internal/observability"
	"github.com/oddsmill/sequencer/internal/scheduler"
	"github.com/oddsmill/sequencer/lib/telemetry"
)

const (
	defaultConfigPath       = "config/sequencer.yaml"
	loggerPrefix            = "sequencer "
	shutdownTimeout         = 30 * time.Second
	serverShutdownTimeout   = 5 * time.Second
	workersShutdownTimeout  = 10 * time.Second
	busShutdownTimeout      = 2 * time.Second
	telemetryShutdownWindow = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s", cfg.Environment)

	observability.SetLogger(observability.NewStdLogger(logger, cfg.Environment == config.EnvDev))

	providers, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewMetrics(providers.MeterProvider, "sequencer"))

	stores, txRunner, closeStores, err := buildStores(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}

	bus := eventbus.NewBus()

	matchEngine := engine.New(engine.Config{
		Stores:    stores,
		Tx:        txRunner,
		Bus:       bus,
		BatchSize: cfg.Scheduler.DequeueBatch,
	})

	sched, err := scheduler.New(matchEngine, stores.Markets, cfg.Scheduler)
	if err != nil {
		logger.Fatalf("initialise scheduler: %v", err)
	}

	reconciler := mirror.New(stores.Trades, cfg.Mirror)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("scheduler stopped: %v", err)
		}
	})
	if reconciler.Enabled() {
		lifecycle.Go(func() {
			if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("mirror reconciler stopped: %v", err)
			}
		})
		logger.Printf("mirror reconciliation enabled: endpoint=%s", cfg.Mirror.Endpoint)
	} else {
		logger.Print("mirror reconciliation disabled")
	}

	ingestSvc := ingest.New(stores.Orders, stores.Markets, stores.State)
	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.NewHandler(stores, ingestSvc, sched, bus),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("api listening on %s", cfg.HTTP.Addr)

	logger.Print("sequencer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		scheduler:  sched,
		bus:        bus,
		telemetry:  shutdownTelemetry,
		stores:     closeStores,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

// buildStores selects PostgreSQL when a database URL is configured and the
// in-memory stores otherwise, along with the matching transaction runner.
// Dev mode seeds a couple of demo markets so the service is immediately
// usable.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.Settings) (domain.Stores, domain.TxRunner, func(), error) {
	if cfg.Database.URL != "" {
		pool, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return domain.Stores{}, nil, nil, err
		}
		postgres.ObservePoolMetrics(pool, "primary")
		store := postgres.New(pool)
		logger.Print("persistence: postgres")
		return store.Stores(), store.InTx, store.Close, nil
	}

	store := memory.New()
	stores := store.Stores()
	logger.Print("persistence: in-memory (no database configured)")
	if cfg.Environment == config.EnvDev {
		seedDemoMarkets(ctx, logger, stores.Markets)
	}
	return stores, store.InTx, func() {}, nil
}

func seedDemoMarkets(ctx context.Context, logger *log.Logger, markets domain.MarketStore) {
	questions := []string{
		"Will BTC close above 100k this year?",
		"Will the next launch succeed?",
	}
	for _, question := range questions {
		market := &domain.Market{
			ID:        uuid.NewString(),
			Question:  question,
			Status:    domain.MarketStatusActive,
			CreatedAt: time.Now(),
		}
		if err := markets.Create(ctx, market); err != nil {
			logger.Printf("seed market: %v", err)
			continue
		}
		logger.Printf("seeded demo market %s: %s", market.ID, market.Question)
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	scheduler  *scheduler.Scheduler
	bus        *eventbus.Bus
	telemetry  func(context.Context) error
	stores     func()
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.scheduler != nil {
		shutdownStep("draining scheduler", workersShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.scheduler.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", workersShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownWindow, cfg.telemetry)
	}

	if cfg.stores != nil {
		cfg.stores()
	}
}
