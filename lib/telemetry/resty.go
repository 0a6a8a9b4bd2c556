package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type attemptCtxKeyType int

var attemptCtxKey attemptCtxKeyType

type attempt struct {
	span  trace.Span
	start time.Time
}

type instrumentResty struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// InstrumentResty attaches a span, a debug log line and request metrics to
// every attempt made by the client.
func InstrumentResty(client *resty.Client, tracerName string) {
	meter := otel.Meter(tracerName)
	requests, _ := meter.Int64Counter(
		"http.client.requests",
		metric.WithDescription("outgoing http requests by status"),
	)
	latency, _ := meter.Float64Histogram(
		"http.client.duration",
		metric.WithUnit("ms"),
	)

	i := instrumentResty{
		tracer:   otel.Tracer(tracerName),
		requests: requests,
		latency:  latency,
	}
	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
}

func attemptFromContext(ctx context.Context) (attempt, bool) {
	a, ok := ctx.Value(attemptCtxKey).(attempt)
	return a, ok
}

func (i instrumentResty) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	ctx := req.Context()

	// a previous attempt that failed at the transport level never reaches
	// onAfterResponse, its span is closed here before retrying.
	if previous, ok := attemptFromContext(ctx); ok && previous.span.IsRecording() {
		previous.span.SetStatus(codes.Error, "retried")
		previous.span.End()
	}

	ctx, span := i.tracer.Start(ctx, fmt.Sprintf("http %s", req.Method))
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL),
		attribute.Int("http.request.attempt", req.Attempt),
	)
	ctx = context.WithValue(ctx, attemptCtxKey, attempt{span: span, start: time.Now()})

	slog.DebugContext(ctx, "start request", "method", req.Method, "url", req.URL, "attempt", req.Attempt)

	req.SetContext(ctx)
	return nil
}

func (i instrumentResty) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	ctx := res.Request.Context()
	a, ok := attemptFromContext(ctx)
	if !ok {
		return nil
	}
	defer a.span.End()

	elapsed := time.Since(a.start)
	status := res.StatusCode()
	a.span.SetAttributes(attribute.Int("http.response.status_code", status))
	if res.IsError() {
		a.span.SetStatus(codes.Error, res.Status())
	}

	attrs := metric.WithAttributes(
		attribute.String("http.request.method", res.Request.Method),
		attribute.Int("http.response.status_code", status),
	)
	i.requests.Add(ctx, 1, attrs)
	i.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	slog.DebugContext(
		ctx, "request finished",
		"method", res.Request.Method,
		"url", res.Request.URL,
		"status", status,
		"duration", elapsed,
	)
	return nil
}

func (i instrumentResty) onError(req *resty.Request, err error) {
	ctx := req.Context()
	a, ok := attemptFromContext(ctx)
	if !ok {
		return
	}
	if !a.span.IsRecording() {
		return
	}
	defer a.span.End()

	a.span.RecordError(err)
	a.span.SetStatus(codes.Error, err.Error())
	i.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.Int("http.response.status_code", 0),
	))
}
