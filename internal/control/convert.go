package control

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// fields reads typed values out of a request Struct. The first problem is
// kept in err and later reads become no-ops.
type fields struct {
	s   *structpb.Struct
	err error
}

func readFields(s *structpb.Struct) *fields {
	if s == nil {
		s = &structpb.Struct{}
	}
	return &fields{s: s}
}

func (f *fields) value(key string) (*structpb.Value, bool) {
	if f.err != nil {
		return nil, false
	}
	v, ok := f.s.GetFields()[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func (f *fields) fail(format string, args ...any) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
	}
}

// requireString reads a non-empty string.
func (f *fields) requireString(key string) string {
	v, ok := f.value(key)
	if !ok {
		f.fail("%s is required", key)
		return ""
	}
	sv, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString || sv.StringValue == "" {
		f.fail("%s must be a non-empty string", key)
		return ""
	}
	return sv.StringValue
}

func (f *fields) optString(key string) string {
	v, ok := f.value(key)
	if !ok {
		return ""
	}
	sv, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		f.fail("%s must be a string", key)
		return ""
	}
	return sv.StringValue
}

func (f *fields) optNumber(key string, def float64) float64 {
	v, ok := f.value(key)
	if !ok {
		return def
	}
	nv, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || math.IsNaN(nv.NumberValue) || math.IsInf(nv.NumberValue, 0) {
		f.fail("%s must be a finite number", key)
		return def
	}
	return nv.NumberValue
}

func (f *fields) optInt(key string, def int) int {
	n := f.optNumber(key, float64(def))
	if n != math.Trunc(n) {
		f.fail("%s must be an integer", key)
		return def
	}
	return int(n)
}

func (f *fields) optBool(key string) bool {
	v, ok := f.value(key)
	if !ok {
		return false
	}
	bv, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		f.fail("%s must be a bool", key)
		return false
	}
	return bv.BoolValue
}

// toStruct builds a response. Values must already be structpb-compatible.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nodeMap(v core.NodeView) map[string]any {
	neighbours := make([]any, 0, len(v.Neighbours))
	for _, nb := range v.Neighbours {
		neighbours = append(neighbours, map[string]any{
			"id":    nb.ID,
			"delay": nb.Delay,
			"kind":  string(nb.Kind),
		})
	}
	services := make([]any, 0, len(v.Services))
	for _, r := range v.Services {
		services = append(services, recordMap(r))
	}
	sessions := make([]any, 0, len(v.Sessions))
	for _, s := range v.Sessions {
		sessions = append(sessions, map[string]any{
			"service_id": s.ServiceID,
			"path":       stringList(s.Path),
		})
	}
	return map[string]any{
		"id":            v.ID,
		"kind":          string(v.Kind),
		"x":             v.Position.X,
		"y":             v.Position.Y,
		"address":       v.Address,
		"service_type":  v.ServiceType,
		"enabled":       v.Enabled,
		"listening":     v.Listening,
		"neighbours":    neighbours,
		"services":      services,
		"sessions":      sessions,
		"pending":       v.Pending,
		"data_received": v.DataReceived,
	}
}

func recordMap(r model.ServiceRecord) map[string]any {
	return map[string]any{
		"service_id":  r.ServiceID,
		"address":     r.Address,
		"type":        r.Type,
		"path":        stringList(r.Path),
		"total_delay": r.Delay,
	}
}

func connectionMap(v core.ConnectionView) map[string]any {
	inFlight := make([]any, 0, len(v.InFlight))
	for _, p := range v.InFlight {
		inFlight = append(inFlight, map[string]any{
			"id":          p.ID,
			"kind":        p.Kind.String(),
			"source":      p.Source,
			"destination": p.Destination,
			"progress":    p.Progress,
		})
	}
	return map[string]any{
		"receiving":          v.Receiving,
		"sending":            v.Sending,
		"delay":              v.Delay,
		"state":              v.State.String(),
		"failed":             v.Failed,
		"service_connection": v.ServiceConnection,
		"handshake_progress": v.HandshakeProgress,
		"established_at":     timeString(v.EstablishedAt),
		"last_activity":      timeString(v.LastActivity),
		"in_flight":          inFlight,
		"queued":             v.Queued,
	}
}

func snapshotMap(s core.Snapshot) map[string]any {
	nodes := make([]any, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes = append(nodes, nodeMap(n))
	}
	conns := make([]any, 0, len(s.Connections))
	for _, c := range s.Connections {
		conns = append(conns, connectionMap(c))
	}
	broadcasts := make([]any, 0, len(s.Broadcasts))
	for _, b := range s.Broadcasts {
		broadcasts = append(broadcasts, map[string]any{
			"origin": b.Origin,
			"x":      b.Center.X,
			"y":      b.Center.Y,
			"radius": b.Radius,
			"range":  b.Range,
		})
	}
	traffic := make([]any, 0, len(s.Traffic))
	for _, t := range s.Traffic {
		traffic = append(traffic, map[string]any{
			"source":      t.Source,
			"destination": t.Destination,
			"interval_ms": t.Interval.Milliseconds(),
			"sent":        t.Sent,
			"failed":      t.Failed,
		})
	}
	return map[string]any{
		"time":        timeString(s.Time),
		"nodes":       nodes,
		"connections": conns,
		"broadcasts":  broadcasts,
		"traffic":     traffic,
	}
}

func discoveryMap(r state.DiscoveryResult) map[string]any {
	return map[string]any{
		"discovery_id": r.ID,
		"source":       r.Source,
		"target":       r.Target,
		"path":         stringList(r.Path),
		"total_delay":  r.Delay,
		"found":        r.Found,
		"settled":      r.Settled,
		"updates":      r.Updates,
		"at":           timeString(r.At),
	}
}

func telemetryMap(t *state.TelemetryState) map[string]any {
	links := []any{}
	nodes := []any{}
	if t != nil {
		for _, l := range t.ListLinks() {
			links = append(links, map[string]any{
				"receiving":          l.Receiving,
				"sending":            l.Sending,
				"state":              l.State,
				"delay":              l.Delay,
				"in_flight":          l.InFlight,
				"queued":             l.Queued,
				"failed":             l.Failed,
				"service_connection": l.ServiceConnection,
				"resets":             l.Resets,
				"sampled_at":         timeString(l.SampledAt),
			})
		}
		for _, n := range t.ListNodes() {
			nodes = append(nodes, map[string]any{
				"id":            n.NodeID,
				"enabled":       n.Enabled,
				"neighbours":    n.Neighbours,
				"services":      n.Services,
				"sessions":      n.Sessions,
				"pending":       n.Pending,
				"data_received": n.DataReceived,
				"data_rate":     n.DataRate,
				"sampled_at":    timeString(n.SampledAt),
			})
		}
	}
	return map[string]any{"links": links, "nodes": nodes}
}
