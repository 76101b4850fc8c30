// halinkctl inspects and operates halink workers.
//
// Read-only and queue commands work straight against the shared SQLite
// database, so they need no running API. Lifecycle commands go through the
// worker's HTTP API with a locally minted service token.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
