// Package middleware holds HTTP middleware shared by the API server.
package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

type loggerKey struct{}

type identityKey struct{}

// WithTraceLogger returns middleware that stores a request logger carrying
// trace and span IDs, plus the buyer's access tier when identity headers are
// present.
func WithTraceLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var fields []zap.Field
			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				fields = append(fields,
					zap.String("trace_id", span.SpanContext().TraceID().String()),
					zap.String("span_id", span.SpanContext().SpanID().String()),
				)
			}
			if id, ok := IdentityFromContext(r.Context()); ok {
				fields = append(fields, zap.String("tier", string(id.AccessTier())))
			}
			if len(fields) > 0 {
				ctx := context.WithValue(r.Context(), loggerKey{}, logger.With(fields...))
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithBuyerIdentity parses the X-DSP-*, X-Agency-* and X-Advertiser-*
// headers into the request context. Requests without them are public tier.
func WithBuyerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := models.IdentityFromHeaders(r.Header)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// IdentityFromContext returns the identity stored by WithBuyerIdentity.
func IdentityFromContext(ctx context.Context) (models.BuyerIdentity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.BuyerIdentity)
	return id, ok
}

// LoggerFromContext retrieves the logger from context.
// If no logger is found, returns the provided fallback logger
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return fallback.With(
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return fallback
}

// LoggerFromRequest is a convenience function to get logger from HTTP request
func LoggerFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return LoggerFromContext(r.Context(), fallback)
}
