package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type controlEnv struct {
	ctx    context.Context
	client *ControlClient
	state  *state.MeshState
}

func newControlEnv(t *testing.T) *controlEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	st := state.NewMeshState(
		core.NewSimulation(testStart, timectrl.Accelerated),
		nil,
		state.WithTelemetry(state.NewTelemetryState()),
	)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RunIDUnaryServerInterceptor(nil),
		TracingUnaryServerInterceptor(),
	))
	RegisterMeshControlServer(srv, NewServer(st, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &controlEnv{ctx: ctx, client: NewControlClient(conn), state: st}
}

func (e *controlEnv) call(t *testing.T, method string, fields map[string]any) *structpb.Struct {
	t.Helper()
	out, err := e.client.Call(e.ctx, method, fields)
	require.NoError(t, err, method)
	return out
}

func (e *controlEnv) step(t *testing.T, ticks int) {
	t.Helper()
	e.call(t, MethodStep, map[string]any{"ticks": ticks})
}

func listOf(s *structpb.Struct, key string) []*structpb.Value {
	return s.GetFields()[key].GetListValue().GetValues()
}

func stringsOf(s *structpb.Struct, key string) []string {
	var out []string
	for _, v := range listOf(s, key) {
		out = append(out, v.GetStringValue())
	}
	return out
}

// pair places relay a and service b, links them and waits for ACTIVE.
func (e *controlEnv) pair(t *testing.T) {
	t.Helper()
	e.call(t, MethodAddNode, map[string]any{"id": "a", "kind": "relay", "address": "10.0.0.1"})
	e.call(t, MethodAddNode, map[string]any{"id": "b", "kind": "service", "x": 30, "address": "10.0.0.2"})
	conn := e.call(t, MethodConnect, map[string]any{"receiving": "a", "sending": "b", "delay": 5})
	require.Equal(t, "HANDSHAKING", conn.GetFields()["state"].GetStringValue())
	e.step(t, 700)
}

func TestControl_ServiceConnectionEndToEnd(t *testing.T) {
	env := newControlEnv(t)
	env.pair(t)

	snap, err := env.client.Snapshot(env.ctx)
	require.NoError(t, err)
	conns := listOf(snap, "connections")
	require.Len(t, conns, 1)
	assert.Equal(t, "ACTIVE", conns[0].GetStructValue().GetFields()["state"].GetStringValue())

	out := env.call(t, MethodAnnounceService, map[string]any{"node": "b", "service_type": "Database"})
	require.True(t, out.GetFields()["ok"].GetBoolValue())
	env.step(t, 200)

	a := env.call(t, MethodGetNode, map[string]any{"id": "a"})
	services := listOf(a, "services")
	require.Len(t, services, 1)
	rec := services[0].GetStructValue()
	assert.Equal(t, "b", rec.GetFields()["service_id"].GetStringValue())
	assert.Equal(t, "Database", rec.GetFields()["type"].GetStringValue())
	assert.Equal(t, []string{"b", "a"}, stringsOf(rec, "path"))

	out = env.call(t, MethodRequestConnection, map[string]any{"node": "a", "service": "b"})
	require.True(t, out.GetFields()["ok"].GetBoolValue())
	env.step(t, 300)

	a = env.call(t, MethodGetNode, map[string]any{"id": "a"})
	sessions := listOf(a, "sessions")
	require.Len(t, sessions, 1)
	assert.Equal(t, []string{"a", "b"}, stringsOf(sessions[0].GetStructValue(), "path"))
}

func TestControl_DiscoveryAndPaths(t *testing.T) {
	env := newControlEnv(t)
	env.pair(t)

	out := env.call(t, MethodDiscoverPath, map[string]any{"source": "a", "target": "b"})
	id := out.GetFields()["discovery_id"].GetStringValue()
	require.Equal(t, "a_b_1", id)
	env.step(t, 300)

	res := env.call(t, MethodGetDiscovery, map[string]any{"discovery_id": id})
	assert.True(t, res.GetFields()["found"].GetBoolValue())
	assert.Equal(t, []string{"a", "b"}, stringsOf(res, "path"))
	assert.Equal(t, float64(5), res.GetFields()["total_delay"].GetNumberValue())

	path := env.call(t, MethodFindPath, map[string]any{"source": "a", "dest": "b", "strategy": "bfs"})
	assert.Equal(t, []string{"a", "b"}, stringsOf(path, "path"))
	assert.Equal(t, float64(1), path.GetFields()["cost"].GetNumberValue())
}

func TestControl_DataTrafficAndToggle(t *testing.T) {
	env := newControlEnv(t)
	env.pair(t)

	out := env.call(t, MethodSendPacket, map[string]any{"source": "a", "dest": "b", "label": "l", "message": "hi"})
	require.True(t, out.GetFields()["ok"].GetBoolValue())

	require.NoError(t, env.client.CallEmpty(env.ctx, MethodStartTraffic, map[string]any{"source": "a", "dest": "b", "rate": 5}))
	env.step(t, 100)
	out = env.call(t, MethodStopTraffic, map[string]any{"source": "a", "dest": "b"})
	assert.True(t, out.GetFields()["stopped"].GetBoolValue())

	b := env.call(t, MethodGetNode, map[string]any{"id": "b"})
	assert.GreaterOrEqual(t, b.GetFields()["data_received"].GetNumberValue(), float64(1))

	out = env.call(t, MethodToggleEnabled, map[string]any{"node": "b"})
	assert.False(t, out.GetFields()["enabled"].GetBoolValue())

	require.NoError(t, env.client.CallEmpty(env.ctx, MethodSetKind, map[string]any{"node": "a", "kind": "service"}))
	a := env.call(t, MethodGetNode, map[string]any{"id": "a"})
	assert.Equal(t, "service", a.GetFields()["kind"].GetStringValue())

	tel, err := env.client.Telemetry(env.ctx)
	require.NoError(t, err)
	assert.Len(t, listOf(tel, "links"), 1)
	assert.Len(t, listOf(tel, "nodes"), 2)
}

func TestControl_ErrorCodes(t *testing.T) {
	env := newControlEnv(t)
	env.pair(t)

	cases := []struct {
		name   string
		method string
		fields map[string]any
		code   codes.Code
	}{
		{"unknown node", MethodGetNode, map[string]any{"id": "ghost"}, codes.NotFound},
		{"missing id", MethodAddNode, map[string]any{"kind": "relay"}, codes.InvalidArgument},
		{"wrong type", MethodAddNode, map[string]any{"id": 7}, codes.InvalidArgument},
		{"bad kind", MethodAddNode, map[string]any{"id": "c", "kind": "satellite"}, codes.InvalidArgument},
		{"duplicate", MethodAddNode, map[string]any{"id": "a"}, codes.AlreadyExists},
		{"zero ticks", MethodStep, map[string]any{"ticks": 0}, codes.InvalidArgument},
		{"fractional ticks", MethodStep, map[string]any{"ticks": 1.5}, codes.InvalidArgument},
		{"bad strategy", MethodFindPath, map[string]any{"source": "a", "dest": "b", "strategy": "astar"}, codes.InvalidArgument},
		{"unknown service", MethodRequestConnection, map[string]any{"node": "a", "service": "zzz"}, codes.NotFound},
		{"unknown discovery", MethodGetDiscovery, map[string]any{"discovery_id": "nope"}, codes.NotFound},
		{"no range", MethodBroadcast, map[string]any{"node": "a"}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.client.Call(env.ctx, tc.method, tc.fields)
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err), err.Error())
		})
	}
}

func TestControl_RunIDHeader(t *testing.T) {
	env := newControlEnv(t)
	env.call(t, MethodAddNode, map[string]any{"id": "a"})

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(env.ctx, RunIDMetadataKey, "run-42")
	_, err := env.client.Call(ctx, MethodGetNode, map[string]any{"id": "a"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"run-42"}, header.Get(RunIDMetadataKey))

	header = nil
	_, err = env.client.Call(env.ctx, MethodGetNode, map[string]any{"id": "a"}, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RunIDMetadataKey), 1)
	assert.NotEmpty(t, header.Get(RunIDMetadataKey)[0])
}

func TestControl_UninitialisedServer(t *testing.T) {
	var srv *Server
	_, err := srv.GetSnapshot(context.Background(), nil)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
