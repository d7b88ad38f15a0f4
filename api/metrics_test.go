package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdeasRequestMetricsLogAndSpan(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newIdeasRequestMetrics(context.Background(), logger)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveAuth(10 * time.Millisecond)
	metrics.ObserveFetch(15 * time.Millisecond)
	metrics.SetIdeasReturned(4)
	metrics.SetPendingCount(2)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != "ideas.request.metrics" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Data["route"] != ideasRouteName {
		t.Fatalf("unexpected route: %v", entry.Data["route"])
	}
	if entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected status: %v", entry.Data["status"])
	}
	if entry.Data["ideas_returned"] != 4 {
		t.Fatalf("unexpected ideas_returned: %v", entry.Data["ideas_returned"])
	}
	if entry.Data["pending"] != 2 {
		t.Fatalf("unexpected pending: %v", entry.Data["pending"])
	}
	if total, ok := entry.Data["total_ms"].(float64); !ok || total <= 0 {
		t.Fatalf("expected positive total_ms, got %#v", entry.Data["total_ms"])
	}
	if _, exists := entry.Data["error_stage"]; exists {
		t.Fatalf("expected no error_stage on success")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != ideasSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if spanAttrs["http.route"] != ideasRouteName {
		t.Fatalf("span route attribute mismatch: %#v", spanAttrs["http.route"])
	}
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if returned, ok := spanAttrs["ideaboard.ideas.returned"].(int64); !ok || returned != 4 {
		t.Fatalf("unexpected ideas returned on span: %#v", spanAttrs["ideaboard.ideas.returned"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}
}

func TestIdeasRequestMetricsErrorStage(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newIdeasRequestMetrics(context.Background(), logger)
	metrics.SetErrorStage("load")

	metrics.Log(http.StatusInternalServerError, errors.New("table down"))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Data["error_stage"] != "load" {
		t.Fatalf("unexpected error_stage: %v", entry.Data["error_stage"])
	}
	if entry.Data["error"] != "table down" {
		t.Fatalf("unexpected error field: %v", entry.Data["error"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Fatalf("expected span status Error, got %v", span.Status.Code)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if spanAttrs["ideaboard.ideas.error_stage"] != "load" {
		t.Fatalf("unexpected error stage on span: %#v", spanAttrs["ideaboard.ideas.error_stage"])
	}
}
