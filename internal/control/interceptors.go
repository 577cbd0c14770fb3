package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
)

// RunIDMetadataKey carries a caller-chosen run_id across RPCs so a client can
// tie several calls into one run.
const RunIDMetadataKey = "x-run-id"

// RunIDUnaryServerInterceptor ensures a run_id is present on the context,
// sourcing it from inbound metadata if provided, and attaches a per-request
// logger annotated with the method. The run_id is echoed in response headers.
func RunIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, RunIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRunID(ctx, incoming)
			}
		}
		ctx, runID := logging.EnsureRunID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RunIDMetadataKey, runID))

		method := ""
		if info != nil {
			method = info.FullMethod
		}
		ctx = logging.ContextWithLogger(ctx, base.With(logging.String("method", method)))

		return handler(ctx, req)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
