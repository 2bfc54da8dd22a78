package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/populator/internal/types"
)

var (
	// ErrInvalidRequest indicates a malformed or incomplete request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStoreUnavailable indicates the record or catalog store failed.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Auth errors are mapped in the auth package interceptor and middleware.
// Unknown rule sets map to NOT_FOUND, request and batch defects to
// INVALID_ARGUMENT, other configuration errors to FAILED_PRECONDITION,
// store failures to UNAVAILABLE and context timeouts to DEADLINE_EXCEEDED.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, types.ErrUnknownRuleSet):
		return codes.NotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, types.ErrUnknownPhase),
		errors.Is(err, types.ErrMisalignedBatch),
		errors.Is(err, types.ErrBatchTooLarge):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrConfiguration):
		return codes.FailedPrecondition
	case errors.Is(err, ErrStoreUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func grpcError(err error) error {
	return status.Error(grpcCode(err), err.Error())
}

func httpStatus(err error) int {
	switch grpcCode(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.Unavailable, codes.Canceled:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
