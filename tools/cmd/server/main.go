package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/analytics"
	"github.com/patrickwarner/openadbuyer/internal/api"
	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ucp"

	"go.uber.org/zap"
)

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open flow store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Event sinks are optional; a flow runs fine with none.
	var sinks analytics.MultiSink
	var eventLog *analytics.EventLog
	if cfg.EventLogEnabled {
		eventLog, err = analytics.InitClickHouse(ctx, cfg.ClickHouseDSN, cfg.CHMaxOpenConns, metricsRegistry, logger)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer func() { _ = eventLog.Close() }()
		if err := eventLog.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure event schema: %w", err)
		}
		sinks = append(sinks, eventLog)
	}
	if cfg.EventBrokerURL != "" {
		broker, err := analytics.DialBroker(cfg.EventBrokerURL, cfg.EventQueue, metricsRegistry, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		defer func() { _ = broker.Close() }()
		sinks = append(sinks, broker)
	}

	seller := protocol.NewClient(protocol.OptionsFromConfig(cfg, ""), logger, metricsRegistry)
	defer func() { _ = seller.Close() }()

	var planner advisor.Sender
	if cfg.AdvisorMode == advisor.ModeConversational {
		c := protocol.NewClient(protocol.OptionsFromConfig(cfg, cfg.AdvisorAgentType), logger, metricsRegistry)
		defer func() { _ = c.Close() }()
		planner = c
	}
	adv, err := advisor.FromMode(cfg.AdvisorMode, seller, planner, cfg.Buyer, seller.DefaultTransport(), logger)
	if err != nil {
		return err
	}

	srvDeps := api.NewServer(logger, store, sinks, adv, metricsRegistry, cfg)
	srvDeps.Catalog = seller
	srvDeps.Seller = seller
	srvDeps.Via = seller.DefaultTransport()
	srvDeps.EventLog = eventLog
	srvDeps.UCP = ucp.NewClient(cfg.UCPTimeout, cfg.UCPDimension, logger, metricsRegistry)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Buyer API running",
		zap.String("addr", addr),
		zap.String("seller", cfg.SellerBaseURL),
		zap.String("advisor_mode", cfg.AdvisorMode),
		zap.String("state_backend", cfg.StateBackend),
		zap.String("tier", string(cfg.Buyer.AccessTier())))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Buyer API stopped", zap.Int("active_flows", srvDeps.ActiveFlows()))

	return nil
}
