package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"goa.design/clue/health"
	"goa.design/clue/log"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the configured backend and print its status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Close(context.Background()); err != nil {
					log.Errorf(ctx, err, "close backend")
				}
			}()
			h, ok := health.NewChecker(b.pingers...).Check(ctx)
			h.Version = Version
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(h); err != nil {
				return err
			}
			if !ok {
				return errors.New("backend unhealthy")
			}
			return nil
		},
	}
}
