package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ledgerfill/ledgerfill/app/reconciler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := reconciler.Initialize(ctx)

	app.Start(ctx)
}
