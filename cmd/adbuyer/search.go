package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

func runSearch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	var (
		channel, format    string
		minPrice, maxPrice float64
		limit              int
	)
	fs.StringVar(&channel, "channel", "", "filter by channel (ctv, display, mobile_app, native)")
	fs.StringVar(&channel, "c", "", "shorthand for --channel")
	fs.StringVar(&format, "format", "", "filter by ad format")
	fs.StringVar(&format, "f", "", "shorthand for --format")
	fs.Float64Var(&minPrice, "min-price", 0, "minimum CPM")
	fs.Float64Var(&maxPrice, "max-price", 0, "maximum CPM")
	fs.IntVar(&limit, "limit", 10, "maximum results to show")
	fs.IntVar(&limit, "l", 10, "shorthand for --limit")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	filters := map[string]any{}
	if channel != "" {
		filters["channel"] = channel
	}
	if format != "" {
		filters["format"] = format
	}
	if minPrice > 0 {
		filters["minPrice"] = minPrice
	}
	if maxPrice > 0 {
		filters["maxPrice"] = maxPrice
	}

	res := a.sellerClient().SearchProducts(ctx, strings.Join(pos, " "), filters, a.via)
	if !res.Success {
		return fmt.Errorf("search failed: %s", res.Error)
	}
	var products []models.Product
	for _, m := range res.Items("products", "results", "items") {
		products = append(products, models.ProductFromMap(m))
	}
	if len(products) == 0 && res.Raw != "" {
		// conversational sellers may answer in prose
		fmt.Fprintln(a.out, res.Raw)
		return nil
	}
	if len(products) > limit {
		products = products[:limit]
	}
	printProducts(a.out, products)
	return nil
}
