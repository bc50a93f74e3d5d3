package observe

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// spanSink keeps exported spans past Shutdown.
type spanSink struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (s *spanSink) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, spans...)
	return nil
}

func (s *spanSink) Shutdown(context.Context) error { return nil }

func (s *spanSink) list() []sdktrace.ReadOnlySpan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), s.spans...)
}

// restoreGlobals puts the OTel globals back after a test that installs its own.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInitTelemetry_ExportsMetricsAndSpans(t *testing.T) {
	restoreGlobals(t)
	reg := prometheus.NewRegistry()
	sink := &spanSink{}

	shutdown, err := InitTelemetry(context.Background(), TelemetryConfig{
		Version:      "1.2.3",
		Instance:     "bot-a",
		Registerer:   reg,
		SpanExporter: sink,
	})
	if err != nil {
		t.Fatalf("InitTelemetry: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordPiece(context.Background(), "ok")
	_, span := StartSpan(context.Background(), "session.finish")
	span.End()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "voxlog_transcription_pieces") {
			found = true
		}
	}
	if !found {
		t.Error("piece counter not exposed on the registry")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := sink.list()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Resource().Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	for k, want := range map[attribute.Key]string{
		"service.name":        "voxlog",
		"service.version":     "1.2.3",
		"service.instance.id": "bot-a",
	} {
		if attrs[k] != want {
			t.Errorf("resource %s = %q, want %q", k, attrs[k], want)
		}
	}
}

func TestInitTelemetry_WithoutExporterKeepsTraceIDs(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := InitTelemetry(context.Background(), TelemetryConfig{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("InitTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "record.start")
	defer span.End()

	sc := trace.SpanContextFromContext(ctx)
	if sc.IsSampled() {
		t.Error("span sampled with no exporter configured")
	}
	if CorrelationID(ctx) == "" {
		t.Error("unsampled span has no correlation ID")
	}
}
