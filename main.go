package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"trading-engine/config"
	"trading-engine/internal/allocator"
	"trading-engine/internal/api"
	"trading-engine/internal/auth"
	"trading-engine/internal/circuit"
	"trading-engine/internal/controlplane"
	"trading-engine/internal/engine"
	"trading-engine/internal/events"
	"trading-engine/internal/governance"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/metrics"
	"trading-engine/internal/risk"
	"trading-engine/internal/telemetry"
	"trading-engine/internal/vault"
	"trading-engine/internal/venue"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	bus := events.NewBus()
	logger.Info("Event bus initialized")

	// Initialize the ledger database
	db, err := ledger.NewDB(cfg.DatabaseConfig.ToLedgerConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := ledger.NewRepository(db, bus)

	// Governance state owner and policy rules
	owner := governance.NewOwner(governance.NewState(cfg.GovernanceConfig.ModelVersion))
	rules, err := governance.LoadRuleSet(cfg.GovernanceConfig.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load governance policy: %v", err)
	}
	logger.Info("Governance policy loaded", "path", cfg.GovernanceConfig.PolicyPath, "rules", len(rules.Rules))

	// Capital allocator
	alloc, err := allocator.New(cfg.AllocatorConfig, repo, bus)
	if err != nil {
		log.Fatalf("Failed to create allocator: %v", err)
	}

	// Pre-trade risk gate
	limiter := risk.NewRateLimiter(cfg.RiskConfig.RateLimiter)
	gate := risk.NewGate(cfg.RiskConfig.Rails, owner, alloc, limiter, bus)

	// Order execution engine
	eng := engine.New(cfg.EngineConfig.ToEngineConfig(), repo, gate, bus)

	// Venue credentials come from Vault, falling back to environment
	secrets, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}

	adapters := make([]*venue.MockAdapter, 0, len(cfg.VenueConfigs))
	for _, vc := range cfg.VenueConfigs {
		if vc.Driver != "mock" {
			log.Fatalf("Unknown venue driver %q for venue %s", vc.Driver, vc.Name)
		}
		if _, err := secrets.VenueCredentials(ctx, vc.Name); err != nil {
			logger.Warn("No credentials for venue, continuing unauthenticated", "venue", vc.Name, "error", err)
		}
		adapter := venue.NewMockAdapter(vc.Name)
		eng.RegisterVenue(adapter, circuit.NewBreaker(vc.Name, &cfg.CircuitConfig))
		bus.PublishUniverseUpdate(vc.Name, vc.Symbols)
		adapters = append(adapters, adapter)
		logger.Info("Venue registered", "venue", vc.Name, "symbols", len(vc.Symbols))
	}

	// Idempotency store for the control plane
	var store controlplane.IdempotencyStore
	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, using in-memory idempotency store", "error", err)
			store = controlplane.NewMemoryStore()
		} else {
			store = controlplane.NewRedisStore(client)
			logger.Info("Redis idempotency store connected", "address", cfg.RedisConfig.Address)
		}
	} else {
		store = controlplane.NewMemoryStore()
	}

	guard := controlplane.NewGuard(controlplane.Config{
		RetentionTTL: time.Duration(cfg.ControlConfig.RetentionHours) * time.Hour,
		ReplayWait:   time.Duration(cfg.ControlConfig.ReplayWaitMs) * time.Millisecond,
	}, store, repo, owner, eng, gate, bus)

	// Governance daemon submits rule-triggered actions through the guard so
	// automated and operator commands share one idempotency path
	daemon, err := governance.NewDaemon(rules, bus, actionSubmitter(guard))
	if err != nil {
		log.Fatalf("Failed to create governance daemon: %v", err)
	}
	daemon.Start()

	// Performance metrics collector
	collector := metrics.NewCollector(cfg.MetricsConfig, repo, nil, bus)
	collector.Start(ctx)
	alloc.Start(ctx)

	// Telemetry export
	sink, err := telemetry.NewSink(cfg.TelemetryConfig.EventLogPath)
	if err != nil {
		log.Fatalf("Failed to open telemetry sink: %v", err)
	}
	sink.Attach(bus)

	var hub *telemetry.WSHub
	if cfg.TelemetryConfig.WSEnabled {
		hub = telemetry.NewWSHub()
		go hub.Run()
		hub.Attach(bus)
	}

	// Periodic equity snapshots feed the allocator and metrics
	samplerStop := make(chan struct{})
	go sampleEquity(repo, adapters, time.Duration(cfg.EngineConfig.EquitySampleSecs)*time.Second, samplerStop, logger)

	// Startup reconciliation against venue truth
	if err := eng.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
	}

	// Periodic reconciliation re-checks venue state and re-alerts on orders
	// still awaiting operator review
	reconcileStop := make(chan struct{})
	go reconcileLoop(eng, time.Duration(cfg.EngineConfig.ReviewRemindSecs)*time.Second, reconcileStop, logger)

	// Control-plane HTTP server
	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, time.Duration(cfg.AuthConfig.TokenDurationMins)*time.Minute)
	stats := map[string]api.StatsSource{
		"engine":    eng,
		"risk":      gate,
		"allocator": alloc,
	}
	server := api.NewServer(cfg.ServerConfig, guard, owner, repo, jwtManager, hub, stats)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()
	logger.Info("Control-plane server started", "host", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port)

	// Block until shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	close(reconcileStop)
	close(samplerStop)

	// Adapter close ends the fill streams, which lets the engine drain its
	// workers before stopping
	for _, adapter := range adapters {
		adapter.Close()
	}
	eng.Stop()
	daemon.Stop()
	collector.Stop()
	alloc.Stop()
	owner.Stop()
	if err := sink.Close(); err != nil {
		logger.Error("Telemetry sink close failed", "error", err)
	}
	bus.Close()
	logger.Info("Shutdown complete")
}

// actionSubmitter adapts rule-triggered governance actions to control-plane
// commands. The daemon's deterministic keys make repeated triggers within a
// rule window replay instead of re-executing.
func actionSubmitter(guard *controlplane.Guard) governance.ActionSubmitter {
	return func(ctx context.Context, idempotencyKey string, action governance.Action) error {
		cmd := controlplane.Command{
			Actor:  "governance-daemon",
			Params: map[string]interface{}{"reason": action.Reason},
		}
		switch action.Type {
		case governance.ActionPause:
			cmd.Name = controlplane.CmdPause
		case governance.ActionResume:
			cmd.Name = controlplane.CmdResume
		case governance.ActionReduceExposure:
			cmd.Name = controlplane.CmdReduceExposure
			cmd.Params["strategy"] = action.Strategy
			cmd.Params["factor"] = action.Factor
		case governance.ActionPromoteModel:
			cmd.Name = controlplane.CmdPromoteModel
			cmd.Params["model"] = action.Model
		default:
			return fmt.Errorf("unmapped governance action %q", action.Type)
		}

		result, err := guard.Execute(ctx, idempotencyKey, cmd)
		if err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("command %s refused: %s", cmd.Name, result.Message)
		}
		return nil
	}
}

// sampleEquity periodically records per-venue balance snapshots in the ledger
func sampleEquity(repo *ledger.Repository, adapters []*venue.MockAdapter, interval time.Duration, stop <-chan struct{}, logger *logging.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, adapter := range adapters {
				balance, err := adapter.QueryBalance(ctx)
				if err != nil {
					logger.Warn("Balance query failed", "venue", adapter.Name(), "error", err)
					continue
				}
				snap := &ledger.EquitySnapshot{
					Venue:         adapter.Name(),
					Equity:        balance.Equity,
					Cash:          balance.Cash,
					UnrealizedPnL: balance.UnrealizedPnL,
					Timestamp:     time.Now().UTC(),
				}
				if err := repo.AppendEquitySnapshot(ctx, snap); err != nil {
					logger.Error("Equity snapshot write failed", "venue", adapter.Name(), "error", err)
				}
			}
			cancel()
		}
	}
}

// reconcileLoop re-runs reconciliation on a timer
func reconcileLoop(eng *engine.Engine, interval time.Duration, stop <-chan struct{}, logger *logging.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := eng.Reconcile(ctx); err != nil {
				logger.Error("Periodic reconciliation failed", "error", err)
			}
			cancel()
		}
	}
}
