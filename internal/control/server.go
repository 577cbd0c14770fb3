package control

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// maxStepTicks bounds one Step call so a single RPC cannot hold the
// simulation lock indefinitely.
const maxStepTicks = 100_000

// Server implements MeshControlServer over a MeshState.
type Server struct {
	state *state.MeshState
	log   logging.Logger
}

var _ MeshControlServer = (*Server)(nil)

// NewServer constructs a Server bound to st.
func NewServer(st *state.MeshState, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{state: st, log: log}
}

func (s *Server) ensureReady() error {
	if s == nil || s.state == nil {
		return status.Error(codes.Unavailable, "simulation not initialised")
	}
	return nil
}

// logger prefers the per-request logger installed by the interceptors.
func (s *Server) logger(ctx context.Context) logging.Logger {
	return logging.LoggerFromContext(ctx, s.log)
}

func okStruct(ok bool) (*structpb.Struct, error) {
	return toStruct(map[string]any{"ok": ok})
}

// AddNode places a node.
func (s *Server) AddNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	id := f.requireString("id")
	kindName := f.optString("kind")
	x := f.optNumber("x", 0)
	y := f.optNumber("y", 0)
	address := f.optString("address")
	disabled := f.optBool("disabled")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	kind, err := model.ParseNodeKind(kindName)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	view, err := s.state.AddNode(core.NodeSpec{
		ID:       id,
		Kind:     kind,
		Position: model.Position{X: x, Y: y},
		Address:  address,
		Disabled: disabled,
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "node added via control", logging.String("node_id", id))
	return toStruct(nodeMap(view))
}

// GetNode returns one node.
func (s *Server) GetNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	id := f.requireString("id")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	view, err := s.state.Node(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(nodeMap(view))
}

// Connect creates a link between two nodes without a proximity probe.
func (s *Server) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	receiving := f.requireString("receiving")
	sending := f.requireString("sending")
	delay := f.optInt("delay", 1)
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	view, err := s.state.Connect(receiving, sending, delay)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(connectionMap(view))
}

// Broadcast starts a proximity probe.
func (s *Server) Broadcast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	node := f.requireString("node")
	rng := f.optNumber("range", 0)
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	if rng <= 0 {
		return nil, ToStatusError(fmt.Errorf("%w: range must be positive", ErrInvalidArgument))
	}
	ok, err := s.state.Broadcast(node, rng)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return okStruct(ok)
}

// AnnounceService advertises a service node.
func (s *Server) AnnounceService(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	node := f.requireString("node")
	serviceType := f.optString("service_type")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	ok, err := s.state.Announce(node, serviceType)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return okStruct(ok)
}

// RequestServiceConnection starts a connection request from a node to a
// service it has a record for.
func (s *Server) RequestServiceConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	node := f.requireString("node")
	service := f.requireString("service")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	ctx, span := StartChildSpan(ctx, "MeshState.RequestConnection", node, attribute.String("service_id", service))
	defer span.End()

	ok, err := s.state.RequestConnection(node, service)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Debug(ctx, "service connection requested",
		logging.String("node_id", node),
		logging.String("service_id", service),
		logging.Bool("ok", ok),
	)
	return okStruct(ok)
}

// SendPacket sends a DATA packet.
func (s *Server) SendPacket(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	source := f.requireString("source")
	dest := f.requireString("dest")
	label := f.optString("label")
	message := f.optString("message")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	ok, err := s.state.SendData(source, dest, label, message)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return okStruct(ok)
}

// ToggleEnabled flips a node's enabled flag.
func (s *Server) ToggleEnabled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	node := f.requireString("node")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	enabled, err := s.state.Toggle(node)
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "node toggled via control",
		logging.String("node_id", node),
		logging.Bool("enabled", enabled),
	)
	return toStruct(map[string]any{"enabled": enabled})
}

// SetKind switches a node between relay and service.
func (s *Server) SetKind(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	node := f.requireString("node")
	kind := f.requireString("kind")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	if err := s.state.SetKind(node, kind); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// DiscoverPath starts a path discovery and returns its ID.
func (s *Server) DiscoverPath(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	source := f.requireString("source")
	target := f.requireString("target")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	id, err := s.state.DiscoverPath(source, target)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(map[string]any{"discovery_id": id})
}

// GetDiscovery reports a discovery's latest result.
func (s *Server) GetDiscovery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	id := f.requireString("discovery_id")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	res, err := s.state.Discovery(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(discoveryMap(res))
}

// FindPath computes a path over the live link graph.
func (s *Server) FindPath(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	source := f.requireString("source")
	dest := f.requireString("dest")
	strategy := f.optString("strategy")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	_, span := StartChildSpan(ctx, "MeshState.FindPath", source,
		attribute.String("dest", dest),
		attribute.String("strategy", strategy),
	)
	defer span.End()

	path, cost, err := s.state.FindPath(source, dest, strategy)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(map[string]any{
		"path":  stringList(path),
		"cost":  cost,
		"found": len(path) > 0,
	})
}

// StartTraffic starts a constant DATA flow.
func (s *Server) StartTraffic(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	source := f.requireString("source")
	dest := f.requireString("dest")
	rate := f.optNumber("rate", 0)
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	if err := s.state.StartTraffic(source, dest, rate); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// StopTraffic stops a flow.
func (s *Server) StopTraffic(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	source := f.requireString("source")
	dest := f.requireString("dest")
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	return toStruct(map[string]any{"stopped": s.state.StopTraffic(source, dest)})
}

// Step advances the simulation by a number of ticks.
func (s *Server) Step(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := readFields(in)
	ticks := f.optInt("ticks", 1)
	if f.err != nil {
		return nil, ToStatusError(f.err)
	}
	if ticks < 1 || ticks > maxStepTicks {
		return nil, ToStatusError(fmt.Errorf("%w: ticks must be within [1,%d]", ErrInvalidArgument, maxStepTicks))
	}
	_, span := StartChildSpan(ctx, "MeshState.Step", "", attribute.Int("ticks", ticks))
	defer span.End()

	now := s.state.Step(ticks)
	return toStruct(map[string]any{"time": timeString(now)})
}

// GetSnapshot returns the whole network state.
func (s *Server) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return toStruct(snapshotMap(s.state.Snapshot()))
}

// GetTelemetry returns the latest sampled link and node metrics.
func (s *Server) GetTelemetry(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	t := s.state.Telemetry()
	if t == nil {
		return nil, status.Error(codes.FailedPrecondition, "telemetry not enabled")
	}
	return toStruct(telemetryMap(t))
}
