// Package telemetry configures OpenTelemetry context propagation so trace context
// received on an HTTP request travels with the crawl notifications it causes.
package telemetry

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InitPropagation installs the W3C trace-context and baggage propagators globally.
func InitPropagation() {
	otel.SetTextMapPropagator(Propagator())
}

// Propagator returns the composite propagator used by the service.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Middleware extracts incoming trace headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
