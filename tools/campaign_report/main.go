// Campaign Report Tool summarizes booking flows persisted in the flow store.
//
// Usage:
//
//	go run ./tools/campaign_report -limit=20
//	go run ./tools/campaign_report -flow=<flow_id>
//
// Without -flow the tool lists the most recently updated flows with their
// status, budget and booked totals. With -flow it prints the channel
// breakdown and booked lines for one flow.
//
// The store is selected by STATE_BACKEND (redis or postgres); the -backend
// flag overrides it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

func main() {
	_, _ = config.LoadDotEnv()
	cfg := config.Load()

	var (
		flowID  = flag.String("flow", "", "flow ID to report on")
		limit   = flag.Int("limit", 20, "number of flows to list")
		backend = flag.String("backend", cfg.StateBackend, "flow store backend (redis or postgres)")
	)
	flag.Parse()
	cfg.StateBackend = *backend

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening flow store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close flow store: %v\n", err)
		}
	}()

	if *flowID != "" {
		state, err := store.Load(ctx, *flowID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading flow: %v\n", err)
			os.Exit(1)
		}
		printFlowReport(os.Stdout, state)
		return
	}

	states, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing flows: %v\n", err)
		os.Exit(1)
	}
	printFlowList(os.Stdout, states)
}

type totals struct {
	impressions int64
	cost        float64
}

func bookedTotals(lines []models.BookedLine) totals {
	var t totals
	for _, l := range lines {
		t.impressions += l.Impressions
		t.cost += l.Cost
	}
	return t
}

func printFlowList(w io.Writer, states []*models.FlowState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "No booking flows found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tCAMPAIGN\tSTATUS\tBUDGET\tPENDING\tBOOKED\tBOOKED COST\tUPDATED")
	for _, s := range states {
		t := bookedTotals(s.BookedLines)
		fmt.Fprintf(tw, "%s\t%s\t%s\t$%s\t%d\t%d\t$%s\t%s\n",
			s.ID, s.CampaignBrief.Name, s.ExecutionStatus,
			models.FormatMoney(s.CampaignBrief.Budget), len(s.PendingApprovals), len(s.BookedLines),
			models.FormatMoney(t.cost), s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printFlowReport(w io.Writer, s *models.FlowState) {
	rule := strings.Repeat("=", 70)
	brief := s.CampaignBrief
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Flow:     %s\nCampaign: %s\nStatus:   %s\nBudget:   $%s\nFlight:   %s to %s\n",
		s.ID, brief.Name, s.ExecutionStatus, models.FormatMoney(brief.Budget), brief.StartDate, brief.EndDate)
	fmt.Fprintln(w, rule)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCHANNEL\tBUDGET\tSHARE\tOUTCOME\tRECOMMENDATIONS")
	for _, ch := range models.OrderedChannels(s.BudgetAllocations) {
		a := s.BudgetAllocations[ch]
		outcome := string(s.ChannelOutcomes[ch])
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(tw, "%s\t$%s\t%.1f%%\t%s\t%d\n",
			ch, models.FormatMoney(a.Budget), a.Percentage, outcome, len(s.ChannelRecommendations[ch]))
	}
	_ = tw.Flush()

	if len(s.BookedLines) > 0 {
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\nLINE\tPRODUCT\tCHANNEL\tIMPRESSIONS\tCOST\tSTATUS")
		for _, l := range s.BookedLines {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t$%s\t%s\n",
				l.LineID, l.ProductName, l.Channel, models.FormatCount(l.Impressions),
				models.FormatMoney(l.Cost), l.BookingStatus)
		}
		_ = tw.Flush()

		t := bookedTotals(s.BookedLines)
		fmt.Fprintf(w, "\nBooked: %s impressions, $%s", models.FormatCount(t.impressions), models.FormatMoney(t.cost))
		if brief.Budget > 0 {
			fmt.Fprintf(w, " (%.1f%% of budget)", t.cost/brief.Budget*100)
		}
		fmt.Fprintln(w)
	}

	if len(s.AudienceGaps) > 0 {
		fmt.Fprintf(w, "\nAudience gaps: %s\n", strings.Join(s.AudienceGaps, "; "))
	}
	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	fmt.Fprintln(w, rule)
}
