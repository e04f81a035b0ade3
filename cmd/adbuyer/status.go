package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/patrickwarner/openadbuyer/internal/execution"
)

func runStatus(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	var account string
	fs.StringVar(&account, "account", "", "seller account that owns the order")
	fs.StringVar(&account, "a", "", "shorthand for --account")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		fmt.Fprintln(a.errOut, "Usage: adbuyer status <order_id> [--account ID]")
		return errUsage
	}

	seller := a.sellerClient()
	rep, err := execution.New(seller, a.via, nil, a.logger).OrderStatus(ctx, account, pos[0])
	if err != nil {
		return err
	}
	printOrder(a.out, rep)
	return nil
}
