package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware traces requests through otelhttp and records RED metrics
// labelled with the chi route pattern. Without telemetry it is a no-op.
func Middleware(t *Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if t == nil || t.tracerProvider == nil {
			return next
		}

		measured := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			t.IncrementHTTPInFlight()
			defer t.DecrementHTTPInFlight()

			rec := recordStatus(w)
			next.ServeHTTP(rec, r)

			// chi fills the pattern in while routing, so it is only known now.
			route := routePattern(r)

			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("http.route", route))

			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			t.RecordHTTPRequest(r.Method, route, statusClass(rec.status), time.Since(start))
		})

		return otelhttp.NewHandler(measured, "http_request",
			otelhttp.WithTracerProvider(t.tracerProvider),
			otelhttp.WithMeterProvider(t.meterProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "HTTP " + r.Method
			}),
		)
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}

	return "unmatched"
}

// statusClass maps a status code to 2xx, 3xx, 4xx or 5xx.
func statusClass(code int) string {
	if code < http.StatusOK || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}
