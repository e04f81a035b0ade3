package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

func runChat(ctx context.Context, a *app, args []string) error {
	if len(args) > 0 {
		fmt.Fprintln(a.errOut, "Usage: adbuyer chat")
		return errUsage
	}
	seller := a.sellerClient()
	fmt.Fprintf(a.out, "Connected to %s. Type 'quit' to exit.\n", a.cfg.SellerBaseURL)

	for {
		fmt.Fprint(a.out, "\nYou: ")
		line, err := a.in.ReadString('\n')
		text := strings.TrimSpace(line)
		if err != nil && text == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(a.out)
				return nil
			}
			return err
		}
		switch strings.ToLower(text) {
		case "":
			continue
		case "quit", "exit", "q":
			fmt.Fprintln(a.out, "Goodbye!")
			return nil
		}

		res := seller.SendNaturalLanguage(ctx, text)
		if !res.Success {
			fmt.Fprintf(a.out, "Agent error: %s\n", res.Error)
		} else {
			reply := res.Raw
			if reply == "" {
				reply = fmt.Sprint(res.Data)
			}
			fmt.Fprintf(a.out, "Agent: %s\n", reply)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
