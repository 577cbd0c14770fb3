package main

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/config"
	"github.com/signalsfoundry/mesh-simulator/internal/control"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/kb"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

func startApp(t *testing.T, cfg config.Config) (*app, *control.ControlClient, context.Context) {
	t.Helper()

	a, err := newApp(cfg, timectrl.RealTime, logging.Noop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("server did not shut down")
		}
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(callCancel)
	return a, control.NewControlClient(conn), callCtx
}

func TestServer_ControlAndMetrics(t *testing.T) {
	a, client, ctx := startApp(t, config.Default())

	if _, err := client.Call(ctx, control.MethodAddNode, map[string]any{"id": "a", "kind": "relay"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	node, err := client.Call(ctx, control.MethodGetNode, map[string]any{"id": "a"})
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got := node.GetFields()["kind"].GetStringValue(); got != "relay" {
		t.Fatalf("kind = %q, want relay", got)
	}

	families, err := a.collector.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "mesh_control_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mesh_control_requests_total not exported")
	}
}

func TestServer_ClockAdvancesInRealTime(t *testing.T) {
	a, _, _ := startApp(t, config.Default())

	start := a.state.Now()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.state.Now().After(start) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("simulation clock did not advance")
}

func TestServer_RestoresStoredNodesAndScenario(t *testing.T) {
	dir := t.TempDir()
	store, err := kb.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.SaveNode(kb.NodeRecord{ID: "stored", Kind: "service", X: 4, Enabled: true}); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Scenario = &core.Scenario{Nodes: []core.ScenarioNode{{ID: "fresh", X: 10}}}

	a, err := newApp(cfg, timectrl.Accelerated, logging.Noop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	stored, err := a.state.Node("stored")
	if err != nil {
		t.Fatalf("stored node missing: %v", err)
	}
	if stored.Kind != "service" || stored.Position.X != 4 {
		t.Fatalf("stored node = %+v", stored)
	}
	if _, err := a.state.Node("fresh"); err != nil {
		t.Fatalf("scenario node missing: %v", err)
	}
}

func TestNewApp_BadDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = " "
	if _, err := newApp(cfg, timectrl.Accelerated, logging.Noop()); err == nil {
		t.Fatalf("expected an error for a blank data dir")
	}
}
