package api

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoDocument is returned by repositories when a conditional update matched
// no document, either because the document is gone or because its current
// state failed the update's predicate. Services re-read to tell the two apart.
var ErrNoDocument = errors.New("no matching document")

// DeletedMessagePlaceholder replaces the content of a message that was
// deleted for everyone. The document keeps its original content.
const DeletedMessagePlaceholder = "This message was deleted"

// HTTPStatus maps the engine error taxonomy onto HTTP status codes.
func HTTPStatus(err error) int {
	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMessage extracts the user-facing message from a typed failure.
func ErrorMessage(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
