package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs a synchronous in-memory tracer provider as the
// global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not a 32 char hex trace ID", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_TagsConversation(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithConversation(context.Background(), "vc-1")
	_, span := StartSpan(ctx, "turn")
	span.End()
	_, span = StartSpan(context.Background(), "untagged")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if got, ok := attrString(spans[0].Attributes, "conversation_id"); !ok || got != "vc-1" {
		t.Errorf("conversation_id = %q, want vc-1", got)
	}
	if _, ok := attrString(spans[1].Attributes, "conversation_id"); ok {
		t.Error("span without conversation must not carry conversation_id")
	}
}

func TestRecordError(t *testing.T) {
	exp := useTestTracer(t)

	_, failed := StartSpan(context.Background(), "failed")
	RecordError(failed, errors.New("stt unavailable"))
	failed.End()
	_, fine := StartSpan(context.Background(), "fine")
	RecordError(fine, nil)
	fine.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "stt unavailable" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) != 1 {
		t.Errorf("failed span events = %d, want 1 exception event", len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Unset {
		t.Errorf("fine span status = %+v, want unset", spans[1].Status)
	}
}

func TestConversationID(t *testing.T) {
	t.Parallel()
	if got := ConversationID(context.Background()); got != "" {
		t.Errorf("ConversationID(background) = %q", got)
	}
	ctx := WithConversation(context.Background(), "text-42")
	if got := ConversationID(ctx); got != "text-42" {
		t.Errorf("ConversationID = %q, want text-42", got)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx := WithConversation(context.Background(), "vc-1")
	Logger(ctx).Info("no span yet")
	ctx, span := StartSpan(ctx, "turn")
	defer span.End()
	Logger(ctx).Info("inside turn")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("logged %d lines, want 2:\n%s", len(lines), buf)
	}
	if !strings.Contains(lines[0], "conversation_id=vc-1") || strings.Contains(lines[0], "trace_id=") {
		t.Errorf("first line = %q, want conversation only", lines[0])
	}
	for _, want := range []string{"conversation_id=vc-1", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("second line missing %q: %s", want, lines[1])
		}
	}
}
