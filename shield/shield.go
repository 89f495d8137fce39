// Package shield provides the HTTP middleware the job server puts in front of
// its handlers: security headers, request tracing, upload size limits and
// per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.TraceID(logger))
//	r.With(shield.MaxBody(limit, tooLarge)).Post("/upload", upload)
//
// Or apply the default stack in one call:
//
//	for _, mw := range shield.DefaultStack(logger, rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack of the job server:
// SecurityHeaders, TraceID, then the rate limiter when rl is not nil.
func DefaultStack(logger *slog.Logger, rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		TraceID(logger),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
