package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
)

func runDeal(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("deal", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	var (
		dealType               string
		impressions            int64
		maxCPM, targetCPM      float64
		flightStart, flightEnd string
	)
	fs.StringVar(&dealType, "type", "PD", "deal type: PG, PD or PA")
	fs.Int64Var(&impressions, "impressions", 0, "requested impressions")
	fs.Float64Var(&maxCPM, "max-cpm", 0, "maximum CPM the buyer will pay")
	fs.Float64Var(&targetCPM, "target-cpm", 0, "CPM to negotiate toward (agency and advertiser tiers)")
	fs.StringVar(&flightStart, "start", "", "flight start date (YYYY-MM-DD)")
	fs.StringVar(&flightEnd, "end", "", "flight end date (YYYY-MM-DD)")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		fmt.Fprintln(a.errOut, `Usage: adbuyer deal "<request>" [--type PG|PD|PA] [--impressions N] [--max-cpm N] [--target-cpm N]`)
		return errUsage
	}
	dt, err := models.ParseDealType(dealType)
	if err != nil {
		return err
	}

	req := flow.DSPRequest{
		Request:     strings.Join(pos, " "),
		DealType:    dt,
		FlightStart: flightStart,
		FlightEnd:   flightEnd,
	}
	if impressions > 0 {
		req.Impressions = &impressions
	}
	if maxCPM > 0 {
		req.MaxCPM = &maxCPM
	}
	if targetCPM > 0 {
		req.TargetCPM = &targetCPM
	}

	if err := a.checkSeller(ctx); err != nil {
		return err
	}
	adv, err := a.newAdvisor()
	if err != nil {
		return err
	}
	f := flow.NewDSPDealFlow(flow.DSPDeps{
		Catalog:    a.sellerClient(),
		Advisor:    adv,
		Negotiator: pricing.NewNegotiator(nil, a.logger, nil),
		Via:        a.via,
		Logger:     a.logger,
	}, models.NewBuyerContext(a.cfg.Buyer), req)

	fmt.Fprintf(a.out, "Requesting %s deal as %s tier...\n", dt, a.cfg.Buyer.AccessTier())
	deal, err := f.Run(ctx)
	if err != nil {
		printErrors(a.out, f.GetStatus().Errors)
		return err
	}
	fmt.Fprintln(a.out, pricing.FormatDealResponse(*deal))
	return nil
}
