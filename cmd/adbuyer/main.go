// Command adbuyer books advertising inventory from a campaign brief, searches
// seller inventory and requests deals from the command line.
//
// Usage:
//
//	adbuyer book <brief.json> [--dry-run|--auto-approve] [--output FILE] [--account ID]
//	adbuyer search [--channel C] [--format F] [--min-price N] [--max-price N] [--limit N]
//	adbuyer status <order_id> --account ID
//	adbuyer deal <request> [--type PG|PD|PA] [--impressions N] [--max-cpm N] [--target-cpm N]
//	adbuyer chat
//	adbuyer init [--force] [--env]
//
// Configuration is read from the environment and an optional .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// errUsage marks argument errors; the message has already been printed.
var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"book", "run the booking workflow for a campaign brief", runBook},
	{"search", "search seller inventory", runSearch},
	{"status", "show a seller order and its lines", runStatus},
	{"deal", "discover inventory and request a deal in one step", runDeal},
	{"chat", "talk to the seller agent in natural language", runChat},
	{"init", "write a campaign brief template", runInit},
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func realMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	logger, err := observability.InitLoggerWithOutput(observability.LogLevel(), cfg.ServiceName+"-cli", []string{"stderr"})
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger, stdin, stdout, stderr)
	defer a.close()

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := c.run(ctx, a, args[1:]); err != nil {
			if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
				return 2
			}
			fmt.Fprintf(stderr, "Error: %v\n", err)
			logger.Debug("command failed", zap.String("command", c.name), zap.Error(err))
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: adbuyer <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
