package httpx

import (
	"errors"
	"net/http"

	"github.com/authcore/authcore/internal/shared"
)

// RespondError maps domain errors to HTTP responses. Authentication failures
// stay deliberately generic; RBAC constraint violations name the constraint
// so an administrator can correct the request.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrDuplicateName), errors.Is(err, shared.ErrDuplicateEmail):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrUnknownRole), errors.Is(err, shared.ErrUnknownPermission):
		Problem(w, http.StatusBadRequest, "Unknown Reference", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrProtectedRole), errors.Is(err, shared.ErrProtectedIdentity):
		Problem(w, http.StatusForbidden, "Protected", err.Error())
	case errors.Is(err, shared.ErrPasswordNotSet):
		Problem(w, http.StatusUnauthorized, "Password Not Set", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrInvalidCredentials.Error())
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrUnauthenticated.Error())
	case errors.Is(err, shared.ErrTooManyAttempts):
		Problem(w, http.StatusTooManyRequests, "Too Many Attempts", shared.ErrTooManyAttempts.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
