package control

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
)

// ErrInvalidArgument is used for malformed request fields.
var ErrInvalidArgument = errors.New("invalid argument")

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrNodeNotFound),
		errors.Is(err, state.ErrDiscoveryNotFound),
		errors.Is(err, state.ErrServiceUnknown),
		errors.Is(err, core.ErrNoPathFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, core.ErrNodeInvalid),
		errors.Is(err, core.ErrUnknownStrategy),
		errors.Is(err, core.ErrScenarioInvalid):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, core.ErrNodeDisabled),
		errors.Is(err, core.ErrNotServiceNode),
		errors.Is(err, core.ErrLinkUnusable),
		errors.Is(err, core.ErrNoConnection),
		errors.Is(err, core.ErrDestinationMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrNodeExists):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
