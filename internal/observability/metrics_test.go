package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

var _ core.MetricsRecorder = (*MeshCollector)(nil)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/mesh.control.v1.MeshControl/AddNode"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MeshControl", "AddNode", "OK")); got != 1 {
		t.Fatalf("mesh_control_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "mesh_control_request_duration_seconds", map[string]string{
		"service": "MeshControl",
		"method":  "AddNode",
	}); count != 1 {
		t.Fatalf("mesh_control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/mesh.control.v1.MeshControl/SendPacket"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MeshControl", "SendPacket", "NotFound")); got != 1 {
		t.Fatalf("mesh_control_requests_total error label = %v, want 1", got)
	}
}

func TestRecorderMethodsUpdateSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	c.PacketSent(model.PacketKindData)
	c.PacketSent(model.PacketKindData)
	c.PacketDelivered(model.PacketKindSYN)
	c.PacketRejected(model.PacketKindService, "link_unusable")
	c.ConnectionReset()
	c.SetConnectionCounts(1, 2, 3)
	c.SetNodeCounts(4, 1)
	c.DiscoveryOutcome(core.DiscoveryOutcomeFirst)
	c.ServiceConnectionResult("established")
	c.PathComputed("dijkstra", time.Millisecond, true)
	c.Tick()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"sent", testutil.ToFloat64(c.PacketsSent.WithLabelValues("DATA")), 2},
		{"delivered", testutil.ToFloat64(c.PacketsDelivered.WithLabelValues("SYN")), 1},
		{"rejected", testutil.ToFloat64(c.PacketsRejected.WithLabelValues("SERVICE", "link_unusable")), 1},
		{"resets", testutil.ToFloat64(c.ConnectionResets), 1},
		{"handshaking", testutil.ToFloat64(c.Connections.WithLabelValues("HANDSHAKING")), 1},
		{"established", testutil.ToFloat64(c.Connections.WithLabelValues("ESTABLISHED")), 2},
		{"active", testutil.ToFloat64(c.Connections.WithLabelValues("ACTIVE")), 3},
		{"enabled nodes", testutil.ToFloat64(c.Nodes.WithLabelValues("true")), 4},
		{"disabled nodes", testutil.ToFloat64(c.Nodes.WithLabelValues("false")), 1},
		{"discovery", testutil.ToFloat64(c.Discoveries.WithLabelValues("first")), 1},
		{"service", testutil.ToFloat64(c.ServiceRequests.WithLabelValues("established")), 1},
		{"ticks", testutil.ToFloat64(c.Ticks), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if n := histogramSampleCount(t, reg, "mesh_path_computation_duration_seconds", map[string]string{
		"strategy": "dijkstra",
		"found":    "true",
	}); n != 1 {
		t.Fatalf("path computation samples = %d, want 1", n)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *MeshCollector
	c.PacketSent(model.PacketKindData)
	c.SetConnectionCounts(1, 1, 1)
	c.PathComputed("bfs", time.Second, false)
	c.Tick()
	if c.Gatherer() != nil {
		t.Fatalf("nil collector should have no gatherer")
	}
}

func TestCollectorReusesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("first NewMeshCollector: %v", err)
	}
	second, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("second NewMeshCollector: %v", err)
	}
	first.Tick()
	second.Tick()
	if got := testutil.ToFloat64(first.Ticks); got != 2 {
		t.Fatalf("shared ticks counter = %v, want 2", got)
	}
}

func TestMetricsHandlerExposesMeshSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}
	collector.SetConnectionCounts(7, 0, 0)
	collector.SetNodeCounts(3, 0)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mesh_control_requests_total",
		"mesh_control_request_duration_seconds",
		`mesh_connections{state="HANDSHAKING"} 7`,
		`mesh_nodes{enabled="true"} 3`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSchedulerInstrumentation(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	s := collector.Instrument(sched.NewEventScheduler(clock))

	ran := 0
	s.After(time.Second, func() { ran++ })
	h := s.After(2*time.Second, func() { ran++ })
	if got := testutil.ToFloat64(collector.EventsPending); got != 2 {
		t.Fatalf("pending = %v, want 2", got)
	}

	h.Cancel()
	clock.Advance(3 * time.Second)
	s.RunDue()

	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if got := testutil.ToFloat64(collector.EventsScheduled); got != 2 {
		t.Fatalf("scheduled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.EventsRun); got != 1 {
		t.Fatalf("run = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.EventsCancelled); got != 1 {
		t.Fatalf("cancelled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.EventsPending); got != 0 {
		t.Fatalf("pending after run = %v, want 0", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/mesh.control.v1.MeshControl/Step", "MeshControl", "Step"},
		{"MeshControl/Step", "MeshControl", "Step"},
		{"", "unknown", "unknown"},
		{"/nomethod", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %q,%q want %q,%q", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("MESH_TRACING_ENABLED", "true")
	t.Setenv("MESH_TRACING_EXPORTER", "OTLP")
	t.Setenv("MESH_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("MESH_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv(TracingConfig{ServiceName: "meshsim"})
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServiceName != "meshsim" {
		t.Fatalf("base service name lost: %q", cfg.ServiceName)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingWithoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "none"}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a sampled span from the sdk provider")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected an error for an unsupported exporter")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
