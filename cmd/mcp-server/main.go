package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/audience"
	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	// stdout carries protocol traffic
	logger, err := observability.InitLoggerWithOutput(observability.LogLevel(), cfg.ServiceName+"-mcp", []string{"stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seller := protocol.NewClient(protocol.OptionsFromConfig(cfg, ""), logger, nil)
	defer func() { _ = seller.Close() }()

	tools := &BuyerTools{
		identity:   cfg.Buyer,
		products:   seller,
		via:        seller.DefaultTransport(),
		negotiator: pricing.NewNegotiator(nil, logger, nil),
		planner:    audience.NewPlanner(),
		ucp:        ucp.NewClient(cfg.UCPTimeout, cfg.UCPDimension, logger, nil),
		endpoint:   cfg.UCPEndpoint,
		logger:     logger,
	}
	server := newMCPServer(tools)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio",
		zap.String("tier", string(cfg.Buyer.AccessTier())),
		zap.String("seller", cfg.SellerBaseURL))
	if err := server.Run(ctx, transport); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w (recent traffic: %s)", err, logBuffer.String())
	}
	return nil
}
