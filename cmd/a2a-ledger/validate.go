package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"goa.design/a2a-ledger/runtime/delivery"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an envelope JSON document",
		Long:  "validate decodes the envelope in file (\"-\" reads stdin) and checks it against the envelope schema.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			env, err := delivery.DecodeEnvelope(data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "valid %s envelope %s (request %s, seq %d)\n", env.Type, env.ID, env.RequestID, env.Seq)
			return err
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return data, nil
}
