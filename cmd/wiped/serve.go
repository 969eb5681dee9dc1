package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wipeworks/wiped/internal/api"
	"github.com/wipeworks/wiped/internal/log"
	"github.com/wipeworks/wiped/internal/service"
	"github.com/wipeworks/wiped/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API until interrupted",
	RunE:  doServe,
}

// openSupervisor opens the store and returns a supervisor with any job left
// by a previous process finalized. The returned func closes both.
func openSupervisor(ctx context.Context) (*service.Supervisor, func(), error) {
	st, err := store.Open(ctx, config.State.DB)
	if err != nil {
		return nil, nil, err
	}
	sup, err := service.SupervisorFromConfig(ctx, config, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	if err := sup.Recover(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	closeFunc := func() {
		slog.DebugContext(ctx, "waiting for the running job")
		sup.Close(ctx)
		if err := st.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store failed", "error", err)
		}
	}
	return sup, closeFunc, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("wiped",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	keepalive, err := config.Server.KeepaliveInterval()
	if err != nil {
		return err
	}

	sup, closeSupervisor, err := openSupervisor(ctx)
	if err != nil {
		return err
	}
	// the deferred close waits for a running job, it is never killed
	defer closeSupervisor()

	return api.NewServer(sup, keepalive).Serve(ctx, config.Server.Listen)
}
