// Package kit carries request-scoped values between the job server's
// middleware and its handlers.
package kit

import "context"

type contextKey string

const (
	TraceIDKey    contextKey = "kit_trace_id"
	JobIDKey      contextKey = "kit_job_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithJobID tags the context with the job a request is about, so that
// errors logged deeper down can be tied back to it.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

// LogAttrs returns the request-scoped values present in ctx as slog
// key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := GetTraceID(ctx); v != "" {
		attrs = append(attrs, "trace_id", v)
	}
	if v := GetJobID(ctx); v != "" {
		attrs = append(attrs, "job_id", v)
	}
	if v := GetRemoteAddr(ctx); v != "" {
		attrs = append(attrs, "remote_addr", v)
	}
	return attrs
}
