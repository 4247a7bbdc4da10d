package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/drip/internal/logging"
	dripmcp "github.com/rendis/drip/pkg/mcp"
)

// runMCP serves the operator tools over stdio. The engine runs in-process,
// so waiting runs keep resuming while the session is open. Logs go to
// stderr; stdout carries the protocol.
func runMCP(_ []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal("%v", err)
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	}()
	if err := a.start(ctx); err != nil {
		fatal("%v", err)
	}

	srv := dripmcp.NewDripServer(dripmcp.DripServerDeps{
		Dispatcher: a.dispatcher,
		Canceller:  a.scheduler,
		Runs:       a.store,
		Validator:  a.validator,
		Hub:        a.hub,
		Logger:     logger,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped", "error", err)
	}
}
