package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/patrickwarner/openadbuyer/internal/execution"
	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

type bookOutput struct {
	Status          models.FlowStatus              `json:"status"`
	Recommendations []models.ProductRecommendation `json:"recommendations"`
	BookedLines     []models.BookedLine            `json:"booked_lines"`
	Submission      *execution.Submission          `json:"submission,omitempty"`
}

func runBook(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("book", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	var (
		dryRun, autoApprove bool
		output, account     string
	)
	fs.BoolVar(&dryRun, "dry-run", false, "preview recommendations without booking")
	fs.BoolVar(&dryRun, "n", false, "shorthand for --dry-run")
	fs.BoolVar(&autoApprove, "auto-approve", false, "approve all recommendations without asking")
	fs.BoolVar(&autoApprove, "y", false, "shorthand for --auto-approve")
	fs.StringVar(&output, "output", "", "save results to a JSON file")
	fs.StringVar(&output, "o", "", "shorthand for --output")
	fs.StringVar(&account, "account", "", "seller account to submit booked lines to")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		fmt.Fprintln(a.errOut, "Usage: adbuyer book <brief.json> [--dry-run|--auto-approve] [--output FILE]")
		return errUsage
	}
	if dryRun && autoApprove {
		return errors.New("--dry-run and --auto-approve are mutually exclusive")
	}

	raw, err := os.ReadFile(pos[0])
	if err != nil {
		return fmt.Errorf("read campaign brief: %w", err)
	}
	var preview map[string]any
	if err := json.Unmarshal(raw, &preview); err != nil {
		return fmt.Errorf("parse campaign brief: %w", err)
	}
	printBriefHeader(a.out, preview)
	if dryRun {
		fmt.Fprintln(a.out, "DRY RUN MODE - no bookings will be made")
		fmt.Fprintln(a.out)
	}

	if err := a.checkSeller(ctx); err != nil {
		return err
	}
	adv, err := a.newAdvisor()
	if err != nil {
		return err
	}
	store, err := a.flowStore(ctx)
	if err != nil {
		return err
	}

	f, err := flow.NewFromJSON(flow.Deps{
		Advisor: adv,
		Store:   store,
		Logger:  a.logger,
	}, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Running booking workflow...")
	if _, err := f.Run(ctx); err != nil {
		printErrors(a.out, f.GetStatus().Errors)
		return err
	}

	st := f.GetStatus()
	printAllocations(a.out, st.BudgetAllocations)
	pending := f.PendingApprovals()
	var sub *execution.Submission

	switch {
	case len(pending) == 0:
		fmt.Fprintln(a.out, "\nNo recommendations generated.")
	case dryRun:
		printRecommendations(a.out, pending)
		fmt.Fprintln(a.out, "\nDry run complete. No bookings made.")
	default:
		printRecommendations(a.out, pending)
		if !autoApprove && !a.confirm("\nApprove all recommendations?") {
			fmt.Fprintln(a.out, "Booking cancelled.")
			break
		}
		res, err := f.ApproveAll(ctx)
		if err != nil {
			return err
		}
		printExecution(a.out, res)
		if account != "" && res.Booked > 0 {
			sub, err = submit(ctx, a, f, account)
			if err != nil {
				fmt.Fprintf(a.out, "Seller submission failed: %v\n", err)
			} else {
				printSubmission(a.out, *sub)
			}
		}
	}

	st = f.GetStatus()
	printErrors(a.out, st.Errors)

	if output != "" {
		snap, err := f.Snapshot()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(bookOutput{
			Status:          st,
			Recommendations: snap.PendingApprovals,
			BookedLines:     snap.BookedLines,
			Submission:      sub,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		fmt.Fprintf(a.out, "\nResults saved to %s\n", output)
	}
	return nil
}

func submit(ctx context.Context, a *app, f *flow.BookingFlow, account string) (*execution.Submission, error) {
	snap, err := f.Snapshot()
	if err != nil {
		return nil, err
	}
	brief := snap.CampaignBrief
	ex := execution.New(a.sellerClient(), a.via, f.RecordLineStatus, a.logger)
	sub, err := ex.Submit(ctx, execution.Order{
		AccountID: account,
		Name:      brief.Name,
		StartDate: brief.StartDate,
		EndDate:   brief.EndDate,
	}, snap.BookedLines)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func printBriefHeader(w io.Writer, brief map[string]any) {
	name, _ := brief["name"].(string)
	if name == "" {
		name = "Unnamed"
	}
	budget, _ := brief["budget"].(float64)
	start, _ := brief["start_date"].(string)
	end, _ := brief["end_date"].(string)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Campaign: %s\nBudget: $%s\nFlight: %s to %s\n", name, models.FormatMoney(budget), start, end)
	fmt.Fprintln(w, strings.Repeat("=", 50))
}
