// internal/errors/mapper.go
package errors

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

var kindCodes = map[Kind]codes.Code{
	KindNotFound:        codes.NotFound,
	KindInvalidState:    codes.FailedPrecondition,
	KindConflict:        codes.AlreadyExists,
	KindSelfVote:        codes.InvalidArgument,
	KindForbidden:       codes.PermissionDenied,
	KindInvalidArgument: codes.InvalidArgument,
	KindUnauthenticated: codes.Unauthenticated,
}

// Map converts domain/repo/infra errors into gRPC-friendly status errors.
// Keeps service layer clean by centralizing error mapping.
func Map(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var de *Error
	switch {
	case errors.As(err, &de):
		return status.Error(kindCodes[de.Kind], de.Error())

	case errors.Is(err, gorm.ErrRecordNotFound):
		return status.Error(codes.NotFound, "record not found")

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request was canceled")

	default:
		// store failures surface as a generic failure
		return status.Error(codes.Internal, err.Error())
	}
}

// HTTPStatus is the gin-side twin of Map.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindSelfVote, KindInvalidArgument:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// InvalidArgument creates a gRPC InvalidArgument error.
// Use this in service layer for bad input validation.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
