package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ideasSpanName  = "ideaboard.ideas.request"
	ideasRouteName = "/api/projects/:projectID/ideas"
)

// ideasRequestMetrics collects per-request timings for the board read
// path and emits them as one structured log entry plus one span.
type ideasRequestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	authDuration  time.Duration
	fetchDuration time.Duration
	ideasReturned int
	pendingCount  int
	errorStage    string
}

func newIdeasRequestMetrics(ctx context.Context, logger *log.Logger) (*ideasRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("ideaboard/api").Start(ctx, ideasSpanName)
	return &ideasRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *ideasRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration > 0 {
		m.authDuration = duration
	}
}

func (m *ideasRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration > 0 {
		m.fetchDuration = duration
	}
}

func (m *ideasRequestMetrics) SetIdeasReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.ideasReturned = count
}

func (m *ideasRequestMetrics) SetPendingCount(count int) {
	if count < 0 {
		count = 0
	}
	m.pendingCount = count
}

func (m *ideasRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *ideasRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":          ideasRouteName,
		"status":         status,
		"total_ms":       durationToMillis(time.Since(m.start)),
		"ideas_returned": m.ideasReturned,
		"pending":        m.pendingCount,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("ideas.request.metrics")

	if m.span == nil {
		return
	}
	m.span.SetAttributes(
		attribute.String("http.route", ideasRouteName),
		attribute.Int("http.status_code", status),
		attribute.Int("ideaboard.ideas.returned", m.ideasReturned),
		attribute.Int("ideaboard.ideas.pending", m.pendingCount),
	)
	if m.errorStage != "" {
		m.span.SetAttributes(attribute.String("ideaboard.ideas.error_stage", m.errorStage))
	}
	if err != nil || status >= http.StatusInternalServerError {
		m.span.SetStatus(codes.Error, m.errorStage)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
