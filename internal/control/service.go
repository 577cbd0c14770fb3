// Package control exposes a running mesh simulation over gRPC.
//
// Messages are protobuf well-known types (structpb.Struct, emptypb.Empty),
// so the service needs no generated code: the descriptor below is registered
// by hand and ControlClient invokes methods by name.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "mesh.control.v1.MeshControl"

// Method names.
const (
	MethodAddNode           = "AddNode"
	MethodGetNode           = "GetNode"
	MethodConnect           = "Connect"
	MethodBroadcast         = "Broadcast"
	MethodAnnounceService   = "AnnounceService"
	MethodRequestConnection = "RequestServiceConnection"
	MethodSendPacket        = "SendPacket"
	MethodToggleEnabled     = "ToggleEnabled"
	MethodSetKind           = "SetKind"
	MethodDiscoverPath      = "DiscoverPath"
	MethodGetDiscovery      = "GetDiscovery"
	MethodFindPath          = "FindPath"
	MethodStartTraffic      = "StartTraffic"
	MethodStopTraffic       = "StopTraffic"
	MethodStep              = "Step"
	MethodGetSnapshot       = "GetSnapshot"
	MethodGetTelemetry      = "GetTelemetry"
)

// MeshControlServer is the server API for the MeshControl service.
type MeshControlServer interface {
	AddNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnnounceService(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestServiceConnection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendPacket(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetKind(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DiscoverPath(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDiscovery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindPath(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartTraffic(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopTraffic(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Step(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTelemetry(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// FullMethod returns the "/service/method" path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary adapts a typed server method to a grpc.MethodDesc.
func unary[Req proto.Message, Resp proto.Message](
	method string,
	newReq func() Req,
	call func(MeshControlServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MeshControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MeshControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

// ServiceDesc describes MeshControl for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeshControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodAddNode, newStruct, MeshControlServer.AddNode),
		unary(MethodGetNode, newStruct, MeshControlServer.GetNode),
		unary(MethodConnect, newStruct, MeshControlServer.Connect),
		unary(MethodBroadcast, newStruct, MeshControlServer.Broadcast),
		unary(MethodAnnounceService, newStruct, MeshControlServer.AnnounceService),
		unary(MethodRequestConnection, newStruct, MeshControlServer.RequestServiceConnection),
		unary(MethodSendPacket, newStruct, MeshControlServer.SendPacket),
		unary(MethodToggleEnabled, newStruct, MeshControlServer.ToggleEnabled),
		unary(MethodSetKind, newStruct, MeshControlServer.SetKind),
		unary(MethodDiscoverPath, newStruct, MeshControlServer.DiscoverPath),
		unary(MethodGetDiscovery, newStruct, MeshControlServer.GetDiscovery),
		unary(MethodFindPath, newStruct, MeshControlServer.FindPath),
		unary(MethodStartTraffic, newStruct, MeshControlServer.StartTraffic),
		unary(MethodStopTraffic, newStruct, MeshControlServer.StopTraffic),
		unary(MethodStep, newStruct, MeshControlServer.Step),
		unary(MethodGetSnapshot, newEmpty, MeshControlServer.GetSnapshot),
		unary(MethodGetTelemetry, newEmpty, MeshControlServer.GetTelemetry),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mesh/control/v1/control.proto",
}

// RegisterMeshControlServer registers srv on s.
func RegisterMeshControlServer(s grpc.ServiceRegistrar, srv MeshControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ControlClient calls MeshControl methods over a client connection.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps cc.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Call invokes a method taking and returning a Struct.
func (c *ControlClient) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CallEmpty invokes a method that takes a Struct and returns Empty.
func (c *ControlClient) CallEmpty(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, FullMethod(method), in, new(emptypb.Empty), opts...)
}

// Snapshot fetches the current network snapshot.
func (c *ControlClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(MethodGetSnapshot), new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Telemetry fetches the latest telemetry samples.
func (c *ControlClient) Telemetry(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(MethodGetTelemetry), new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
