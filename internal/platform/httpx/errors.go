package httpx

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Postgres SQLSTATE codes surfaced as client errors per the platform's API
// contract: unique violations conflict, FK violations are bad requests.
const (
	sqlStateForeignKey = "23503"
	sqlStateUnique     = "23505"
)

// RespondError maps domain errors to HTTP responses using RFC7807. Details
// never include raw database text; callers sanitize before surfacing.
func RespondError(w http.ResponseWriter, err error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUnique:
			ProblemCode(w, http.StatusConflict, "DUPLICATE", "Duplicate", "the resource already exists")
			return
		case sqlStateForeignKey:
			ProblemCode(w, http.StatusBadRequest, "INVALID_REFERENCE", "Invalid Reference", "a referenced resource does not exist")
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
