package control

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/sim/state"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid argument sentinel", err: fmt.Errorf("%w: id is required", ErrInvalidArgument), code: codes.InvalidArgument},
		{name: "invalid node", err: core.ErrNodeInvalid, code: codes.InvalidArgument},
		{name: "unknown strategy", err: core.ErrUnknownStrategy, code: codes.InvalidArgument},
		{name: "node not found", err: fmt.Errorf("toggle: %w", core.ErrNodeNotFound), code: codes.NotFound},
		{name: "discovery not found", err: state.ErrDiscoveryNotFound, code: codes.NotFound},
		{name: "unknown service", err: state.ErrServiceUnknown, code: codes.NotFound},
		{name: "no path", err: core.ErrNoPathFound, code: codes.NotFound},
		{name: "disabled node", err: core.ErrNodeDisabled, code: codes.FailedPrecondition},
		{name: "unusable link", err: core.ErrLinkUnusable, code: codes.FailedPrecondition},
		{name: "already exists", err: state.ErrNodeExists, code: codes.AlreadyExists},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
