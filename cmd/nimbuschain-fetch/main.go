package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbuschain/fetch/internal/app"
	"github.com/nimbuschain/fetch/internal/config"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, nil)
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Log.Info("starting nimbuschain-fetch", "runtime_role", cfg.RuntimeRole)
	if err := a.Run(ctx); err != nil {
		a.Log.Error("run exited with error", "error", err)
		os.Exit(1)
	}
}
