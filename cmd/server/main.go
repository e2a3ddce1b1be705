package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"basket/pkg/app"
)

// main runs the server subcommand with a production logger for process managers.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, append([]string{"serve"}, os.Args[1:]...), logger); err != nil {
		logger.Fatal("application stopped with error", zap.Error(err))
	}
}
