package server

import (
	"PerpVault/internal/core"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code maps a command or query error to a gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	kind, _ := core.Classify(err)
	switch kind {
	case core.KindValidation:
		return codes.InvalidArgument
	case core.KindOwnership:
		return codes.PermissionDenied
	case core.KindRisk, core.KindInsufficient:
		return codes.FailedPrecondition
	case core.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status error carrying its reason.
func Status(err error) error {
	if err == nil {
		return nil
	}
	_, reason := core.Classify(err)
	return status.Errorf(Code(err), "%s: %v", reason, err)
}

// HTTPStatus maps err to an HTTP status. A refused risk gate or an
// insufficient balance is a well-formed request the ledger will not
// execute: 422 rather than the gateway's 400 for FailedPrecondition.
func HTTPStatus(err error) int {
	code := Code(err)
	if code == codes.FailedPrecondition {
		return http.StatusUnprocessableEntity
	}
	return runtime.HTTPStatusFromCode(code)
}
