package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/a2a-ledger/runtime/delivery/config"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	configPath string
	backend    string
	debug      bool
	jsonLogs   bool

	cfg config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "a2a-ledger",
		Short:        "Reliable agent-to-agent delivery ledger",
		Long:         "a2a-ledger records agent-to-agent envelopes, deduplicates requests and resends unacknowledged messages.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.backend, "backend", "", "store backend: memory, mongo, redis or sqlite (overrides config)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logs")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "always log JSON")

	cmd.AddCommand(
		newRunCmd(opts),
		newStatsCmd(opts),
		newPurgeCmd(opts),
		newValidateCmd(),
		newHealthCmd(opts),
	)
	return cmd
}

// setup loads the configuration and installs the logger in the command
// context.
func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.backend != "" {
		cfg.Backend = config.Backend(o.backend)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	o.cfg = cfg
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logContext(ctx, cmd.ErrOrStderr(), o.jsonLogs, o.debug))
	return nil
}

func logContext(ctx context.Context, w io.Writer, jsonLogs, debug bool) context.Context {
	format := log.FormatJSON
	if !jsonLogs && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(w))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
