// Command meshsim runs a scripted mesh scenario in accelerated simulated time
// and prints what happened.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/config"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/observability"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

type options struct {
	configPath   string
	scenarioPath string
	duration     time.Duration
	dataDir      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file (simulation params, storage, telemetry, optional scenario)")
	flag.StringVar(&opts.scenarioPath, "scenario", "", "YAML or JSON scenario file; overrides the config's scenario section")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "simulated time to run")
	flag.StringVar(&opts.dataDir, "data-dir", "", "persist node records under this directory (overrides storage.data_dir)")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "meshsim: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if opts.scenarioPath != "" {
		f, err := os.Open(opts.scenarioPath)
		if err != nil {
			return fmt.Errorf("open scenario: %w", err)
		}
		sc, err := core.LoadScenario(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		cfg.Scenario = sc
	}
	if opts.dataDir != "" {
		cfg.Storage.DataDir = opts.dataDir
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.Scenario == nil {
		return errors.New("no scenario given: use -scenario or a config with a scenario section")
	}
	if opts.duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", opts.duration)
	}

	log := logging.New(logging.Config{Level: cfg.Telemetry.LogLevel, Format: cfg.Telemetry.LogFormat, Output: os.Stderr})

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(observability.TracingConfig{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: "meshsim",
		Exporter:    cfg.Telemetry.TracingExport,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	netOpts := []core.NetworkOption{core.WithParams(cfg.Params()), core.WithLogger(log)}
	if cfg.Storage.DataDir != "" {
		store, err := kb.NewFileStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		netOpts = append(netOpts, core.WithStore(store))
	}

	ctx, span := otel.Tracer("meshsim").Start(ctx, "meshsim.Run")
	defer span.End()
	ctx, _ = logging.EnsureRunID(ctx)
	span.SetAttributes(
		attribute.String("run_id", logging.RunIDFromContext(ctx)),
		attribute.String("scenario", cfg.Scenario.Name),
		attribute.String("duration", opts.duration.String()),
	)

	engine := core.NewSimulation(time.Now().UTC(), timectrl.Accelerated, netOpts...)
	st := state.NewMeshState(engine, log, state.WithTelemetry(state.NewTelemetryState()))

	start := st.Now()
	scRun, err := st.ApplyScenario(cfg.Scenario)
	if err != nil {
		span.RecordError(err)
		return err
	}
	log.Info(ctx, "scenario started",
		logging.String("run_id", logging.RunIDFromContext(ctx)),
		logging.String("scenario", cfg.Scenario.Name),
		logging.Duration("duration", opts.duration),
	)

	<-st.Run(ctx, opts.duration)

	report(out, st, scRun, start)
	return nil
}

func report(out io.Writer, st *state.MeshState, scRun *core.ScenarioRun, start time.Time) {
	snap := st.Snapshot()
	var results []core.ActionResult
	discoveries := map[string][]string{}
	_ = st.WithLock(func(*core.Network) error {
		results = append(results, scRun.Results...)
		for id, path := range scRun.Discoveries {
			discoveries[id] = path
		}
		return nil
	})

	fmt.Fprintf(out, "simulated until %s\n\n", snap.Time.Format(time.RFC3339))

	fmt.Fprintln(out, "actions:")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "refused"
		}
		fmt.Fprintf(out, "  +%-8s %-12s %-8s %s", r.At.Sub(start), r.Action.Type, r.Action.Node, status)
		if r.Detail != "" {
			fmt.Fprintf(out, " (%s)", r.Detail)
		}
		fmt.Fprintln(out)
	}

	if len(discoveries) > 0 {
		fmt.Fprintln(out, "\ndiscoveries:")
		for _, id := range sortedIDs(discoveries) {
			path := discoveries[id]
			if len(path) == 0 {
				fmt.Fprintf(out, "  %s: not found\n", id)
				continue
			}
			fmt.Fprintf(out, "  %s: %s\n", id, strings.Join(path, " -> "))
		}
	}

	fmt.Fprintln(out, "\nconnections:")
	for _, c := range snap.Connections {
		fmt.Fprintf(out, "  %s <- %s  %-11s delay=%d queued=%d service=%t\n",
			c.Receiving, c.Sending, c.State, c.Delay, c.Queued, c.ServiceConnection)
	}

	fmt.Fprintln(out, "\nnodes:")
	for _, n := range snap.Nodes {
		fmt.Fprintf(out, "  %-10s %-8s enabled=%t services=%d sessions=%d data=%d\n",
			n.ID, n.Kind, n.Enabled, len(n.Services), len(n.Sessions), n.DataReceived)
	}

	for _, t := range snap.Traffic {
		fmt.Fprintf(out, "traffic %s -> %s: sent=%d failed=%d\n", t.Source, t.Destination, t.Sent, t.Failed)
	}
}

func sortedIDs(m map[string][]string) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
