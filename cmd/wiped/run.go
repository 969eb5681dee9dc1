package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wipeworks/wiped/internal/log"
	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/service"
)

var (
	flagTarget string // value of run wipe --target
	flagMethod string // value of run wipe --method
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes one job in the foreground and prints its progress",
	Long: `run executes one job in the foreground and prints its progress.

The secret for the job command (e.g. the sudo password) is read from the
WIPED_SECRET environment variable or from the first line of stdin.`,
}

var runWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "wipe a device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		method, err := model.ParseWipeMethod(flagMethod)
		if err != nil {
			return err
		}
		return doRun(cmd, model.JobRequest{
			Kind:   model.JobKindWipe,
			Target: flagTarget,
			Method: method,
		})
	},
}

var runFactoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "reset the machine to factory settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return doRun(cmd, model.JobRequest{Kind: model.JobKindFactoryReset})
	},
}

func doRun(cmd *cobra.Command, req model.JobRequest) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("wiped",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	secret, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}
	req.Secret = secret

	sup, closeSupervisor, err := openSupervisor(ctx)
	if err != nil {
		return err
	}
	defer closeSupervisor()

	out := cmd.OutOrStdout()
	cert, err := service.Run(ctx, sup, req, out)
	if errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "interrupted, the job keeps running until it exits")
	}
	if err != nil {
		return err
	}

	if err := printJSON(out, cert); err != nil {
		return err
	}
	if cert.Status != model.CertificateSucceeded {
		return fmt.Errorf("job finished with status %s", cert.Status)
	}
	return nil
}

// readSecret returns WIPED_SECRET or the first line of r.
func readSecret(r io.Reader) (string, error) {
	if secret, ok := os.LookupEnv("WIPED_SECRET"); ok {
		return secret, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
