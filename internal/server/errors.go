package server

import (
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/query"
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps ledger errors onto gRPC status codes. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case lerrors.Is(err, context.Canceled), lerrors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case lerrors.Is(err, lerrors.ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case lerrors.Is(err, lerrors.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case lerrors.Is(err, lerrors.ErrInsufficientPrincipal),
		lerrors.Is(err, lerrors.ErrRateChangeRejected),
		lerrors.Is(err, lerrors.ErrClockRegression):
		return status.Error(codes.FailedPrecondition, err.Error())
	case lerrors.Is(err, lerrors.ErrArithmeticOverflow):
		return status.Error(codes.OutOfRange, err.Error())
	case lerrors.Is(err, lerrors.ErrSequence):
		return status.Error(codes.Aborted, err.Error())
	case lerrors.Is(err, query.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
