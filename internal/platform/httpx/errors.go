package httpx

import (
	"errors"
	"net/http"

	"github.com/apotheca-erp/apotheca/internal/platform/cache"
	"github.com/apotheca-erp/apotheca/internal/platform/db"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// ErrUnauthenticated is returned when no valid principal accompanies a request.
var ErrUnauthenticated = errors.New("authentication required")

type problemMapping struct {
	target error
	status int
	title  string
}

var problemMappings = []problemMapping{
	{ErrUnauthenticated, http.StatusUnauthorized, "Unauthenticated"},
	{shared.ErrUnauthorized, http.StatusForbidden, "Unauthorized"},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found"},
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{shared.ErrInvalidProduct, http.StatusUnprocessableEntity, "Invalid Product"},
	{shared.ErrInsufficientStock, http.StatusConflict, "Insufficient Stock"},
	{shared.ErrInsufficientLotStock, http.StatusConflict, "Insufficient Lot Stock"},
	{shared.ErrLotCollision, http.StatusConflict, "Lot Collision"},
	{shared.ErrLotUnderflow, http.StatusConflict, "Lot Underflow"},
	{shared.ErrAlreadyFinalized, http.StatusConflict, "Already Finalized"},
	{shared.ErrNotStarted, http.StatusConflict, "Not Started"},
	{shared.ErrInvalidState, http.StatusConflict, "Invalid State"},
	{shared.ErrIdempotencyConflict, http.StatusConflict, "Duplicate Request"},
	{db.ErrSerialization, http.StatusConflict, "Concurrent Update"},
	{cache.ErrLockHeld, http.StatusConflict, "Busy"},
}

// StatusFor reports the HTTP status RespondError would use for err.
func StatusFor(err error) int {
	for _, m := range problemMappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range problemMappings {
		if errors.Is(err, m.target) {
			Problem(w, m.status, m.title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
