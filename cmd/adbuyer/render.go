package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/patrickwarner/openadbuyer/internal/execution"
	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func title(channel string) string {
	words := strings.Split(channel, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func printAllocations(w io.Writer, allocs map[string]models.ChannelAllocation) {
	fmt.Fprintln(w, "\nBudget Allocation:")
	tw := table(w)
	fmt.Fprintln(tw, "CHANNEL\tBUDGET\tPERCENT\tRATIONALE")
	for _, ch := range models.OrderedChannels(allocs) {
		a := allocs[ch]
		fmt.Fprintf(tw, "%s\t$%s\t%.1f%%\t%s\n", title(ch), models.FormatMoney(a.Budget), a.Percentage, truncate(a.Rationale, 50))
	}
	_ = tw.Flush()
}

func printRecommendations(w io.Writer, recs []models.ProductRecommendation) {
	fmt.Fprintln(w, "\nRecommendations:")
	tw := table(w)
	fmt.Fprintln(tw, "#\tCHANNEL\tPRODUCT\tPUBLISHER\tIMPRESSIONS\tCPM\tCOST")
	var imps int64
	var cost float64
	for i, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t$%.2f\t$%s\n",
			i+1, title(r.Channel), truncate(r.ProductName, 30), truncate(r.Publisher, 20),
			models.FormatCount(r.Impressions), r.CPM, models.FormatMoney(r.Cost))
		imps += r.Impressions
		cost += r.Cost
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nTotal: %s impressions, $%s\n", models.FormatCount(imps), models.FormatMoney(cost))
}

func printExecution(w io.Writer, res flow.ExecutionResult) {
	if res.Booked == 0 {
		fmt.Fprintf(w, "\n%s\n", res.Message)
		return
	}
	fmt.Fprintln(w, "\nBookings Executed Successfully!")
	fmt.Fprintf(w, "Lines Booked: %d\nTotal Impressions: %s\nTotal Cost: $%s\n",
		res.Booked, models.FormatCount(res.TotalImpressions), models.FormatMoney(res.TotalCost))
}

func printSubmission(w io.Writer, sub execution.Submission) {
	fmt.Fprintf(w, "\nSeller order %s: %d booked, %d failed\n", sub.OrderID, sub.Booked, sub.Failed)
	tw := table(w)
	fmt.Fprintln(tw, "LINE\tPRODUCT\tSELLER LINE\tSTATUS\tERROR")
	for _, l := range sub.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.LineID, l.ProductID, l.SellerLineID, l.Status, l.Error)
	}
	_ = tw.Flush()
}

func printErrors(w io.Writer, errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w, "\nErrors:")
	for _, e := range errs {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}

func printProducts(w io.Writer, products []models.Product) {
	if len(products) == 0 {
		fmt.Fprintln(w, "No products found.")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tNAME\tPUBLISHER\tCHANNEL\tFORMAT\tBASE CPM\tAVAILABLE")
	for _, p := range products {
		avail := "-"
		if p.AvailableImpressions > 0 {
			avail = models.FormatCount(p.AvailableImpressions)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t$%.2f\t%s\n",
			p.ID, truncate(p.Name, 30), truncate(p.Publisher, 20), p.Channel, p.Format, p.BasePrice, avail)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d product(s)\n", len(products))
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%g", v)
		}
	}
	return "-"
}

func printOrder(w io.Writer, rep execution.OrderReport) {
	o := rep.Order
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Order ID: %s\nName: %s\nStatus: %s\nBudget: %s\nFlight: %s to %s\n",
		str(o, "id", "orderId"), str(o, "name"), str(o, "status", "orderStatus"),
		str(o, "budget"), str(o, "startDate", "start_date"), str(o, "endDate", "end_date"))
	fmt.Fprintln(w, strings.Repeat("=", 50))

	if len(rep.Lines) == 0 {
		fmt.Fprintln(w, "\nNo line items found.")
		return
	}
	fmt.Fprintln(w, "\nLine Items:")
	tw := table(w)
	fmt.Fprintln(tw, "LINE ID\tNAME\tSTATUS\tQUANTITY\tRATE\tCOST")
	for _, l := range rep.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			str(l, "id", "lineId"), truncate(str(l, "name"), 30), str(l, "bookingStatus", "status"),
			str(l, "quantity"), str(l, "rate"), str(l, "cost"))
	}
	_ = tw.Flush()
}
