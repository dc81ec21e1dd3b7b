package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/config"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
	"goa.design/a2a-ledger/runtime/delivery/retransmit"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

// lineEmitter writes resent envelopes as JSON lines.
type lineEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Resend unacknowledged messages and purge expired records",
		Long: "run drives the retransmitter against the configured store. Messages left UNKNOWN past " +
			"retry.staleAfter are resent as JSON lines on stdout; expired records are purged every purgeInterval.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Close(context.Background()); err != nil {
					log.Errorf(ctx, err, "close backend")
				}
			}()
			return serve(ctx, opts.cfg, b.store, cmd.OutOrStdout())
		},
	}
}

// serve runs the retry driver and the maintenance loop until ctx is done.
func serve(ctx context.Context, cfg config.Config, store delivery.Store, out io.Writer) error {
	logger := telemetry.NewClueLogger()
	l := newLedger(store, cfg)
	r := retransmit.New(
		retransmit.WithPolicy(cfg.Policy()),
		retransmit.WithLogger(logger),
		retransmit.WithMetrics(telemetry.NewOTELMetrics()),
	)
	rc := retransmit.NewRecovery(store, r, newLineEmitter(out).Emit,
		retransmit.WithStaleAfter(cfg.Retry.StaleAfter),
		retransmit.WithRecoveryLogger(logger),
	)
	burst := max(1, int(math.Ceil(cfg.Retry.ResendRate)))
	d := retransmit.NewDriver(r, rc.Resend,
		retransmit.WithInterval(cfg.Retry.PollInterval),
		retransmit.WithRateLimit(rate.Limit(cfg.Retry.ResendRate), burst),
		retransmit.WithDriverLogger(logger),
	)

	log.Print(ctx, log.KV{K: "msg", V: "a2a-ledger started"}, log.KV{K: "backend", V: string(cfg.Backend)})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return maintain(gctx, l, rc, cfg.PurgeInterval) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	log.Print(ctx, log.KV{K: "msg", V: "a2a-ledger stopped"}, log.KV{K: "pending", V: len(r.Pending())})
	return err
}

// maintain purges expired records and schedules stale messages every
// interval, starting immediately.
func maintain(ctx context.Context, l *ledger.Ledger, rc *retransmit.Recovery, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		maintainOnce(ctx, l, rc)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func maintainOnce(ctx context.Context, l *ledger.Ledger, rc *retransmit.Recovery) {
	n, err := l.PurgeExpired(ctx, time.Now())
	switch {
	case err != nil && ctx.Err() == nil:
		log.Errorf(ctx, err, "purge expired records")
	case n > 0:
		log.Info(ctx, log.KV{K: "msg", V: "purged expired records"}, log.KV{K: "count", V: n})
	}
	if _, err := rc.Sweep(ctx); err != nil && ctx.Err() == nil {
		log.Errorf(ctx, err, "sweep stale messages")
	}
}

func newLedger(store delivery.Store, cfg config.Config) *ledger.Ledger {
	return ledger.New(store,
		ledger.WithDefaultTTL(cfg.DefaultTTL),
		ledger.WithLogger(telemetry.NewClueLogger()),
		ledger.WithMetrics(telemetry.NewOTELMetrics()),
		ledger.WithTracer(telemetry.NewOTELTracer()),
	)
}

func newLineEmitter(w io.Writer) *lineEmitter {
	return &lineEmitter{enc: json.NewEncoder(w)}
}

func (e *lineEmitter) Emit(_ context.Context, env *delivery.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(env)
}
