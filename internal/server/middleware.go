package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observer traces every request and records its count and latency.
type Observer struct {
	tracer   trace.Tracer
	logger   *slog.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewObserver(tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*Observer, error) {
	requests, err := meter.Int64Counter("http.server.request_count")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http.server.duration", metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{tracer: tracer, logger: logger, requests: requests, duration: duration}, nil
}

func (o *Observer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := o.tracer.Start(r.Context(), r.Method,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.request_id", chimw.GetReqID(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.Int("http.status_code", status), attribute.String("http.route", route))

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(status)),
		)
		o.requests.Add(ctx, 1, attrs)
		o.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

		o.logger.Debug("Request served",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
