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

	"github.com/mercerlabs/futures-engine/internal/api"
	"github.com/mercerlabs/futures-engine/internal/breaker"
	"github.com/mercerlabs/futures-engine/internal/broker"
	"github.com/mercerlabs/futures-engine/internal/config"
	"github.com/mercerlabs/futures-engine/internal/engine"
	"github.com/mercerlabs/futures-engine/internal/marketdata"
	"github.com/mercerlabs/futures-engine/internal/metrics"
	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/orders"
	"github.com/mercerlabs/futures-engine/internal/positions"
	"github.com/mercerlabs/futures-engine/internal/safety"
	"github.com/mercerlabs/futures-engine/internal/state"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// storedPositions adapts the store to the rollover resolver's position
// source, scoped to the engine's account.
type storedPositions struct {
	store     storage.Interface
	accountID string
}

func (p *storedPositions) OpenPositions(_ context.Context) ([]models.Position, error) {
	return p.store.ListOpenPositions(p.accountID)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Credentials usually live in .env; absence is fine in containers.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting futures engine in %s mode", cfg.Environment.Mode)
	if cfg.IsLive() {
		logger.Println("LIVE TRADING MODE - real money at risk")
	}
	if !cfg.Engine.ExecutionEnabled {
		logger.Println("Execution disabled: setups will alert only")
	}

	apiLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		apiLogger.SetLevel(level)
	}

	breakers := breaker.NewRegistry(logger, func(name string, from, to breaker.State) {
		metrics.SetBreakerState(name, to)
		logger.Printf("breaker %s: %s -> %s", name, from, to)
	})

	store, err := storage.NewFileStore(cfg.Storage.Path, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	client := broker.NewClient(broker.Config{
		LiveURL:     cfg.Broker.LiveURL,
		DemoURL:     cfg.Broker.DemoURL,
		AccountType: cfg.Environment.Mode,
		AccountID:   cfg.Broker.AccountID,
		Credentials: broker.Credentials{
			Username:  cfg.Broker.Username,
			Password:  cfg.Broker.Password,
			AppID:     cfg.Broker.AppID,
			SecretKey: cfg.Broker.SecretKey,
		},
	}, breakers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Authenticate(ctx); err != nil {
		log.Fatalf("Failed to authenticate with broker: %v", err)
	}
	client.OnAuthError(func(err error) {
		logger.Printf("token refresh failed: %v", err)
	})

	nyLoc, err := time.LoadLocation("America/New_York")
	if err != nil {
		nyLoc = time.UTC
	}

	resolver := broker.NewResolver(client, &storedPositions{store: store, accountID: cfg.Broker.AccountID}, logger)
	checker := safety.NewChecker(store, nyLoc, logger)

	orderMgr := orders.NewManager(store, client, resolver, checker, logger)
	orderMgr.OnSubmitLatency(metrics.ObserveOrderSubmitLatency)
	posMgr := positions.NewManager(store, logger)

	stateStore, err := state.NewStore(store, nyLoc, logger)
	if err != nil {
		log.Fatalf("Failed to build state store: %v", err)
	}

	agg := marketdata.NewAggregator(logger)

	eng := engine.New(engine.Config{
		UserID:           cfg.Engine.UserID,
		AccountID:        cfg.Broker.AccountID,
		TickInterval:     cfg.GetTickInterval(),
		QueueCapacity:    cfg.Engine.QueueCapacity,
		ExecutionEnabled: cfg.Engine.ExecutionEnabled,
	}, store, client, agg, orderMgr, posMgr, stateStore, checker, logger)
	eng.OnAlert(func(a engine.Alert) {
		entry := apiLogger.WithField("strategy", a.StrategyID)
		switch a.Level {
		case "error":
			entry.Error(a.Message)
		case "warning":
			entry.Warn(a.Message)
		default:
			entry.Info(a.Message)
		}
	})

	stream := marketdata.NewStream(marketdata.StreamConfig{URL: cfg.MarketDataWSURL()},
		client, client, agg, breakers.Get(breaker.NameBrokerMarketData), logger)
	stream.OnBarsLoaded(eng.HandleBarsLoaded)
	stream.OnRestored(func() {
		// Fills may have landed while the feed was down.
		if err := orderMgr.ReconcileOrders(ctx, cfg.Broker.AccountID); err != nil {
			logger.Printf("order reconciliation after reconnect: %v", err)
		}
	})
	stream.OnConnectionLost(func(err error) {
		logger.Printf("market data permanently lost, shutting down: %v", err)
		cancel()
	})

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	for _, sym := range eng.Symbols() {
		if err := stream.Subscribe(ctx, sym); err != nil {
			logger.Printf("subscribe %s: %v", sym, err)
		}
	}

	go func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("market data stream stopped: %v", err)
		}
	}()

	apiServer := api.NewServer(api.Config{
		Port:      cfg.API.Port,
		AuthToken: cfg.API.AuthToken,
		AccountID: cfg.Broker.AccountID,
	}, eng, store, breakers, apiLogger)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("API server stopped: %v", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Println("Shutdown signal received, stopping engine...")
	case <-ctx.Done():
	}
	cancel()

	eng.Stop()
	if err := stream.Close(); err != nil {
		logger.Printf("closing market data stream: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("API shutdown: %v", err)
	}

	logger.Println("Engine stopped successfully")
}
