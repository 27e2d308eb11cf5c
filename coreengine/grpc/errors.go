package grpc

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
)

// validateRequired rejects an empty field before any dispatcher call.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// InvalidArgument returns an InvalidArgument error for a missing field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// toStatus maps dispatcher errors onto gRPC codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	var verrs validator.ValidationErrors
	var routing *kernel.RoutingError
	switch {
	case errors.Is(err, kernel.ErrWorkflowNotFound), errors.Is(err, kernel.ErrUnknownTask):
		return codes.NotFound
	case errors.Is(err, kernel.ErrWorkflowExists):
		return codes.AlreadyExists
	case errors.Is(err, kernel.ErrWorkflowTerminal),
		errors.Is(err, kernel.ErrWorkflowActive),
		errors.Is(err, kernel.ErrNoPendingApproval),
		errors.As(err, &routing):
		return codes.FailedPrecondition
	case errors.Is(err, handoff.ErrInvalidPacket),
		errors.Is(err, kernel.ErrInvalidDecision),
		errors.Is(err, kernel.ErrInvalidRequest),
		errors.As(err, &verrs):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
