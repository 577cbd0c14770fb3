// Command mesh-server runs a mesh simulation in real time and serves the
// control API over gRPC plus Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/config"
	"github.com/signalsfoundry/mesh-simulator/internal/control"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/observability"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "TCP address the control gRPC server listens on (overrides server.listen)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides telemetry.metrics_addr)")
	dataDir := flag.String("data-dir", "", "directory for persisted node records (overrides storage.data_dir)")
	accelerated := flag.Bool("accelerated", false, "step as fast as possible instead of following wall time")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-server: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	log := logging.New(logging.Config{Level: cfg.Telemetry.LogLevel, Format: cfg.Telemetry.LogFormat})
	ctx := context.Background()

	if err := config.Validate(cfg); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(stopCtx, cfg, mode, log); err != nil {
		log.Error(ctx, "mesh-server exited", logging.Err(err))
		os.Exit(1)
	}
}

// app holds everything one server instance owns.
type app struct {
	cfg       config.Config
	log       logging.Logger
	state     *state.MeshState
	collector *observability.MeshCollector
	grpc      *grpc.Server
	metrics   *http.Server
}

// newApp builds the simulation, its metrics and the gRPC server. Stored
// nodes and the config's scenario are loaded before it returns.
func newApp(cfg config.Config, mode timectrl.Mode, log logging.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewMeshCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("init scheduler metrics: %w", err)
	}

	opts := []core.NetworkOption{
		core.WithParams(cfg.Params()),
		core.WithLogger(log),
		core.WithMetricsRecorder(collector),
	}
	if cfg.Storage.DataDir != "" {
		store, err := kb.NewFileStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		opts = append(opts, core.WithStore(store))
	}

	params := cfg.Params()
	tc := timectrl.NewTimeController(time.Now().UTC(), params.Tick, mode)
	s := schedMetrics.Instrument(sched.NewEventScheduler(tc))
	engine := core.NewSimulationEngine(tc, s, core.NewNetwork(tc, s, opts...))

	st := state.NewMeshState(engine, log, state.WithTelemetry(state.NewTelemetryState()))

	if err := st.WithLock(func(net *core.Network) error {
		_, err := net.LoadFromStore()
		return err
	}); err != nil {
		return nil, fmt.Errorf("restore nodes: %w", err)
	}
	if cfg.Scenario != nil {
		if _, err := st.ApplyScenario(cfg.Scenario); err != nil {
			return nil, fmt.Errorf("apply scenario: %w", err)
		}
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			control.RunIDUnaryServerInterceptor(log),
			control.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	control.RegisterMeshControlServer(server, control.NewServer(st, log))

	return &app{
		cfg:       cfg,
		log:       log,
		state:     st,
		collector: collector,
		grpc:      server,
	}, nil
}

// run serves on lis and drives the simulation until ctx ends.
func (a *app) run(ctx context.Context, lis net.Listener) error {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := a.state.Run(loopCtx, 0)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.grpc.Serve(lis) }()
	a.log.Info(ctx, "control server listening", logging.String("addr", lis.Addr().String()))

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	a.log.Info(context.Background(), "shutting down mesh server")
	a.grpc.GracefulStop()
	cancelLoop()
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metrics != nil {
		_ = a.metrics.Shutdown(shutdownCtx)
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func serve(ctx context.Context, cfg config.Config, mode timectrl.Mode, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(observability.TracingConfig{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: "mesh-server",
		Exporter:    cfg.Telemetry.TracingExport,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	a, err := newApp(cfg, mode, log)
	if err != nil {
		return err
	}
	a.metrics = serveMetrics(cfg.Telemetry.MetricsAddr, a.collector, log)

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	return a.run(ctx, lis)
}

func serveMetrics(addr string, collector *observability.MeshCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
