package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// Seller is the slice of the protocol client the CLI uses.
type Seller interface {
	advisor.Catalog
	CreateOrder(ctx context.Context, o protocol.OrderSpec, via protocol.Transport) protocol.Result
	CreateLine(ctx context.Context, l protocol.LineSpec, via protocol.Transport) protocol.Result
	BookLine(ctx context.Context, id string, via protocol.Transport) protocol.Result
	GetOrder(ctx context.Context, id string, via protocol.Transport) protocol.Result
	ListLines(ctx context.Context, orderID string, via protocol.Transport) protocol.Result
	SendNaturalLanguage(ctx context.Context, text string) protocol.Result
}

// app holds the CLI's collaborators. The seller client and flow store are
// built on first use so that init and usage errors need no network.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer

	seller  Seller
	adv     advisor.Advisor
	planner advisor.Sender
	via     protocol.Transport
	store   db.FlowStore
	closers []func() error
}

func newApp(cfg config.Config, logger *zap.Logger, stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		cfg:    cfg,
		logger: logger,
		in:     bufio.NewReader(stdin),
		out:    stdout,
		errOut: stderr,
		via:    protocol.Transport(cfg.DefaultTransport),
	}
}

func (a *app) sellerClient() Seller {
	if a.seller == nil {
		c := protocol.NewClient(protocol.OptionsFromConfig(a.cfg, ""), a.logger, nil)
		a.closers = append(a.closers, c.Close)
		a.seller = c
		a.via = c.DefaultTransport()
	}
	return a.seller
}

// newAdvisor builds the configured advisor. Conversational mode talks to a
// separate planning agent on the same seller host.
func (a *app) newAdvisor() (advisor.Advisor, error) {
	if a.adv != nil {
		return a.adv, nil
	}
	seller := a.sellerClient()
	sender := a.planner
	if sender == nil && a.cfg.AdvisorMode == advisor.ModeConversational {
		c := protocol.NewClient(protocol.OptionsFromConfig(a.cfg, a.cfg.AdvisorAgentType), a.logger, nil)
		a.closers = append(a.closers, c.Close)
		sender = c
	}
	return advisor.FromMode(a.cfg.AdvisorMode, seller, sender, a.cfg.Buyer, a.via, a.logger)
}

func (a *app) flowStore(ctx context.Context) (db.FlowStore, error) {
	if a.store == nil {
		s, err := db.Open(ctx, a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.store = s
	}
	return a.store, nil
}

// checkSeller fails fast when the seller cannot be reached.
func (a *app) checkSeller(ctx context.Context) error {
	res := a.sellerClient().ListProducts(ctx, a.via)
	if !res.Success {
		return fmt.Errorf("seller unreachable at %s: %s", a.cfg.SellerBaseURL, res.Error)
	}
	return nil
}

// confirm asks a yes/no question on the terminal. Anything but y or yes is no.
func (a *app) confirm(question string) bool {
	fmt.Fprintf(a.out, "%s [y/N]: ", question)
	line, _ := a.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", zap.Error(err))
		}
	}
}
