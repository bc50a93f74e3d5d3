package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serve runs one GET through Middleware to a handler answering status. It
// returns the recorder and the correlation ID the handler saw.
func serve(t *testing.T, m *Metrics, path string, status int, header http.Header) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var cid string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, cid
}

// middlewareSetup swaps in a syncing tracer provider and returns metrics
// backed by a manual reader. Tests using it must not run in parallel.
func middlewareSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name   string
		header http.Header
		want   string // empty: any fresh 32-char ID
	}{
		{name: "fresh trace"},
		{
			name:   "incoming traceparent",
			header: http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}},
			want:   traceID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := middlewareSetup(t)
			rec, cid := serve(t, m, "/readyz", http.StatusOK, tt.header)

			if len(cid) != 32 {
				t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
			}
			if tt.want != "" && cid != tt.want {
				t.Errorf("correlation ID = %q, want %q", cid, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != cid {
				t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
			}
		})
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	m, _, exp := middlewareSetup(t)
	rec, _ := serve(t, m, "/readyz", http.StatusServiceUnavailable, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() == http.StatusServiceUnavailable {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=503")
	}
}

func TestMiddleware_RecordsDurationPerPath(t *testing.T) {
	m, reader, _ := middlewareSetup(t)
	serve(t, m, "/healthz", http.StatusOK, nil)
	serve(t, m, "/healthz", http.StatusOK, nil)
	serve(t, m, "/metrics", http.StatusOK, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxlog.http.request.duration")
	if met == nil {
		t.Fatal("voxlog.http.request.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		method, _ := dp.Attributes.Value("method")
		if method.AsString() != http.MethodGet {
			t.Errorf("method = %q, want GET", method.AsString())
		}
		counts[path.AsString()] += dp.Count
	}
	if counts["/healthz"] != 2 || counts["/metrics"] != 1 {
		t.Errorf("samples per path = %v, want /healthz:2 /metrics:1", counts)
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "level=DEBUG"},
		{"/readyz", "level=DEBUG"},
		{"/metrics", "level=DEBUG"},
		{"/sessions", "level=INFO"},
		{"/healthz/extra", "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, _, _ := middlewareSetup(t)

			var buf bytes.Buffer
			orig := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
			t.Cleanup(func() { slog.SetDefault(orig) })

			serve(t, m, tt.path, http.StatusOK, nil)

			line := buf.String()
			if !strings.Contains(line, `msg="request completed"`) {
				t.Fatalf("no completion log, got %q", line)
			}
			if !strings.Contains(line, tt.want) {
				t.Errorf("log = %q, want %s", line, tt.want)
			}
			if !strings.Contains(line, "path="+tt.path) {
				t.Errorf("log = %q, want path=%s", line, tt.path)
			}
		})
	}
}
