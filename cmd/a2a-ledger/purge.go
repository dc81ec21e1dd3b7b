package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired records once and print how many were removed",
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
			n, err := newLedger(b.store, opts.cfg).PurgeExpired(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}
