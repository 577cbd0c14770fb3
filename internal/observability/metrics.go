package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// MeshCollector bundles Prometheus metrics for the mesh protocol engine and
// the control surface. It satisfies core.MetricsRecorder.
type MeshCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	PacketsSent      *prometheus.CounterVec
	PacketsDelivered *prometheus.CounterVec
	PacketsRejected  *prometheus.CounterVec
	ConnectionResets prometheus.Counter
	Connections      *prometheus.GaugeVec
	Nodes            *prometheus.GaugeVec
	Discoveries      *prometheus.CounterVec
	ServiceRequests  *prometheus.CounterVec
	PathComputations *prometheus.HistogramVec
	Ticks            prometheus.Counter
}

// NewMeshCollector registers mesh Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMeshCollector(reg prometheus.Registerer) (*MeshCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_control_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "mesh_control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "mesh_control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_packets_sent_total",
		Help: "Packets accepted onto a connection, labeled by packet kind.",
	}, []string{"kind"}), "mesh_packets_sent_total")
	if err != nil {
		return nil, err
	}
	delivered, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_packets_delivered_total",
		Help: "Packets handed to the receiving node, labeled by packet kind.",
	}, []string{"kind"}), "mesh_packets_delivered_total")
	if err != nil {
		return nil, err
	}
	rejected, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_packets_rejected_total",
		Help: "Packets refused by a connection, labeled by packet kind and reason.",
	}, []string{"kind", "reason"}), "mesh_packets_rejected_total")
	if err != nil {
		return nil, err
	}
	resets, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_connection_resets_total",
		Help: "Connections returned to HANDSHAKING.",
	}), "mesh_connection_resets_total")
	if err != nil {
		return nil, err
	}
	conns, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_connections",
		Help: "Current number of connections by state.",
	}, []string{"state"}), "mesh_connections")
	if err != nil {
		return nil, err
	}
	nodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_nodes",
		Help: "Current number of nodes by enabled flag.",
	}, []string{"enabled"}), "mesh_nodes")
	if err != nil {
		return nil, err
	}
	discoveries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_path_discoveries_total",
		Help: "Path discovery events, labeled by outcome.",
	}, []string{"outcome"}), "mesh_path_discoveries_total")
	if err != nil {
		return nil, err
	}
	serviceRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_service_connection_results_total",
		Help: "Service connection request progress, labeled by outcome.",
	}, []string{"outcome"}), "mesh_service_connection_results_total")
	if err != nil {
		return nil, err
	}
	paths, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_path_computation_duration_seconds",
		Help:    "Duration of shortest-path computations.",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"strategy", "found"}), "mesh_path_computation_duration_seconds")
	if err != nil {
		return nil, err
	}
	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ticks_total",
		Help: "Simulation ticks processed.",
	}), "mesh_ticks_total")
	if err != nil {
		return nil, err
	}

	return &MeshCollector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		PacketsSent:      sent,
		PacketsDelivered: delivered,
		PacketsRejected:  rejected,
		ConnectionResets: resets,
		Connections:      conns,
		Nodes:            nodes,
		Discoveries:      discoveries,
		ServiceRequests:  serviceRequests,
		PathComputations: paths,
		Ticks:            ticks,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *MeshCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MeshCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *MeshCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *MeshCollector) PacketSent(kind model.PacketKind) {
	if c == nil || c.PacketsSent == nil {
		return
	}
	c.PacketsSent.WithLabelValues(kind.String()).Inc()
}

func (c *MeshCollector) PacketDelivered(kind model.PacketKind) {
	if c == nil || c.PacketsDelivered == nil {
		return
	}
	c.PacketsDelivered.WithLabelValues(kind.String()).Inc()
}

func (c *MeshCollector) PacketRejected(kind model.PacketKind, reason string) {
	if c == nil || c.PacketsRejected == nil {
		return
	}
	c.PacketsRejected.WithLabelValues(kind.String(), reason).Inc()
}

func (c *MeshCollector) ConnectionReset() {
	if c == nil || c.ConnectionResets == nil {
		return
	}
	c.ConnectionResets.Inc()
}

// SetConnectionCounts is driven by the network once per tick.
func (c *MeshCollector) SetConnectionCounts(handshaking, established, active int) {
	if c == nil || c.Connections == nil {
		return
	}
	c.Connections.WithLabelValues("HANDSHAKING").Set(float64(handshaking))
	c.Connections.WithLabelValues("ESTABLISHED").Set(float64(established))
	c.Connections.WithLabelValues("ACTIVE").Set(float64(active))
}

func (c *MeshCollector) SetNodeCounts(enabled, disabled int) {
	if c == nil || c.Nodes == nil {
		return
	}
	c.Nodes.WithLabelValues("true").Set(float64(enabled))
	c.Nodes.WithLabelValues("false").Set(float64(disabled))
}

func (c *MeshCollector) DiscoveryOutcome(outcome string) {
	if c == nil || c.Discoveries == nil {
		return
	}
	c.Discoveries.WithLabelValues(outcome).Inc()
}

func (c *MeshCollector) ServiceConnectionResult(outcome string) {
	if c == nil || c.ServiceRequests == nil {
		return
	}
	c.ServiceRequests.WithLabelValues(outcome).Inc()
}

// PathComputed observes a path search. The duration is wall time spent in
// the search, not simulated time.
func (c *MeshCollector) PathComputed(strategy string, d time.Duration, found bool) {
	if c == nil || c.PathComputations == nil {
		return
	}
	foundLabel := "false"
	if found {
		foundLabel = "true"
	}
	c.PathComputations.WithLabelValues(strategy, foundLabel).Observe(d.Seconds())
}

func (c *MeshCollector) Tick() {
	if c == nil || c.Ticks == nil {
		return
	}
	c.Ticks.Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
