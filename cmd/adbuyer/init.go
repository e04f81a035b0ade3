package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

const (
	briefTemplatePath = "campaign_brief.json"
	envTemplatePath   = ".env"
)

func briefTemplate() models.CampaignBrief {
	return models.CampaignBrief{
		Name:       "My Campaign",
		Objectives: []string{"brand_awareness", "reach"},
		Budget:     50000,
		StartDate:  "2025-03-01",
		EndDate:    "2025-03-31",
		TargetAudience: map[string]any{
			"demographics": map[string]any{"age": "25-54"},
			"interests":    []string{"technology", "business"},
			"geography":    []string{"US"},
		},
		KPIs: map[string]any{
			"viewability": 70,
			"ctr":         0.1,
		},
	}
}

// envTemplate mirrors the keys config.Load reads, seeded with the
// current values.
func envTemplate(cfg config.Config) map[string]string {
	return map[string]string{
		"SELLER_BASE_URL":     cfg.SellerBaseURL,
		"DEFAULT_TRANSPORT":   cfg.DefaultTransport,
		"ADVISOR_MODE":        cfg.AdvisorMode,
		"STATE_BACKEND":       cfg.StateBackend,
		"BUYER_SEAT_ID":       cfg.Buyer.SeatID,
		"BUYER_AGENCY_ID":     cfg.Buyer.AgencyID,
		"BUYER_ADVERTISER_ID": cfg.Buyer.AdvertiserID,
		"UCP_ENDPOINT":        cfg.UCPEndpoint,
		"APPROVAL_SECRET":     cfg.ApprovalSecret,
		"EVENT_LOG_ENABLED":   fmt.Sprint(cfg.EventLogEnabled),
	}
}

func runInit(_ context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	flags.SetOutput(a.errOut)
	var force, withEnv bool
	flags.BoolVar(&force, "force", false, "overwrite existing files")
	flags.BoolVar(&withEnv, "env", false, "also write a .env file")
	pos, err := parseInterspersed(flags, args)
	if err != nil {
		return err
	}
	path := briefTemplatePath
	if len(pos) == 1 {
		path = pos[0]
	} else if len(pos) > 1 {
		fmt.Fprintln(a.errOut, "Usage: adbuyer init [path] [--force] [--env]")
		return errUsage
	}

	if ok, err := a.mayWrite(path, force); err != nil || !ok {
		return err
	}
	data, err := json.MarshalIndent(briefTemplate(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	fmt.Fprintf(a.out, "Created %s\n", path)

	if withEnv {
		if ok, err := a.mayWrite(envTemplatePath, force); err != nil || !ok {
			return err
		}
		if err := config.WriteDotEnv(envTemplate(a.cfg), envTemplatePath); err != nil {
			return fmt.Errorf("write %s: %w", envTemplatePath, err)
		}
		fmt.Fprintf(a.out, "Created %s\n", envTemplatePath)
	}

	fmt.Fprintf(a.out, "\nEdit the brief, then run: adbuyer book %s\n", path)
	return nil
}

// mayWrite reports whether path can be written, asking before overwriting.
func (a *app) mayWrite(path string, force bool) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, nil
	case err != nil:
		return false, err
	case force:
		return true, nil
	}
	if a.confirm(fmt.Sprintf("%s already exists. Overwrite?", path)) {
		return true, nil
	}
	fmt.Fprintln(a.out, "Aborted.")
	return false, nil
}
