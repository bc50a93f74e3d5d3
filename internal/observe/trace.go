package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxlog tracer.
const tracerName = "github.com/MrWong99/voxlog"

// Tracer returns the package-level [trace.Tracer] for voxlog. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type sessionKey struct{}

// SessionInfo identifies the recording session a context belongs to.
type SessionInfo struct {
	SessionID string
	GuildID   string
	ChannelID string
}

// WithSession returns a copy of ctx carrying info. Loggers obtained through
// [Logger] from the returned context include the session attributes.
func WithSession(ctx context.Context, info SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, info)
}

// SessionFromContext returns the session attached by [WithSession].
func SessionFromContext(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(SessionInfo)
	return info, ok
}

// Logger returns an [slog.Logger] enriched with the session attributes from
// [WithSession] and with trace_id and span_id from the OTel span context in
// ctx. Without either, the default slog logger is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if info, ok := SessionFromContext(ctx); ok {
		l = l.With(
			slog.String("session_id", info.SessionID),
			slog.String("guild_id", info.GuildID),
			slog.String("channel_id", info.ChannelID),
		)
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
