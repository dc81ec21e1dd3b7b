package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestFieldersSkipsNonStringKeys(t *testing.T) {
	t.Parallel()

	out := fielders("appended", []any{"request_id", "r-1", 42, "ignored", "dangling"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "appended"},
		log.KV{K: "request_id", V: "r-1"},
		log.KV{K: "dangling", V: nil},
	}, out)
}

func TestTagsToAttrs(t *testing.T) {
	t.Parallel()

	attrs := tagsToAttrs([]string{"status", "COMPLETED", "odd"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("status", "COMPLETED"),
		attribute.String("odd", ""),
	}, attrs)
}

func TestKVToAttrsTypes(t *testing.T) {
	t.Parallel()

	attrs := kvToAttrs([]any{"s", "v", "i", 3, "u", uint64(7), "b", true, "n", nil, "d", time.Second})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 3),
		attribute.Int64("u", 7),
		attribute.Bool("b", true),
		attribute.String("n", ""),
		attribute.String("d", "1s"),
	}, attrs)
}

func TestNoopImplementationsAreSilent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := NewNoopLogger()
	logger.Debug(ctx, "debug")
	logger.Error(ctx, "error", "err", errors.New("boom"))
	NewNoopMetrics().IncCounter(MetricLedgerAppends, 1, "type", "REQUEST")

	spanCtx, span := NewNoopTracer().Start(ctx, "op")
	require.Equal(t, ctx, spanCtx)
	span.AddEvent("event", "k", "v")
	span.SetStatus(codes.Ok, "")
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestOTELImplementationsUseGlobalProviders(t *testing.T) {
	t.Parallel()

	// The global providers default to no-ops, so these exercise the wiring
	// without exporting anything.
	NewOTELMetrics().IncCounter(MetricSessionSends, 1, "pair", "a->b")
	NewOTELMetrics().RecordTimer(MetricLedgerAppendTime, time.Millisecond)
	ctx, span := NewOTELTracer().Start(context.Background(), "ledger.append")
	require.NotNil(t, ctx)
	span.AddEvent("duplicate", "request_id", "r-1")
	span.End()
}
