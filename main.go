// sercon - an interactive serial console with hot-plug handling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sercon/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sercon: %v\n", err)
		os.Exit(1)
	}
}
