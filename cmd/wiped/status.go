package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status prints the current job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := store.Open(cmd.Context(), config.State.DB)
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()

		rec, err := st.CurrentJob(cmd.Context())
		if errors.Is(err, model.ErrNotFound) {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "idle")
			return err
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var certificateCmd = &cobra.Command{
	Use:       "certificate <wipe|factory-reset>",
	Short:     "certificate prints the last certificate of a job kind",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"wipe", "factory-reset"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseJobKind(args[0])
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), config.State.DB)
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()

		cert, err := st.Certificate(cmd.Context(), kind)
		if err != nil {
			return fmt.Errorf("%s certificate: %w", kind.Slug(), err)
		}
		return printJSON(cmd.OutOrStdout(), cert)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
