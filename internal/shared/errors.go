package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates an operation not allowed in the current lifecycle state.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrUnauthorized is returned when a record is not owned by the acting tenant.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientStock is returned when the aggregate counter cannot cover a decrement.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientLotStock is returned when available lots cannot cover a FEFO draw.
	ErrInsufficientLotStock = errors.New("insufficient lot stock")
	// ErrLotCollision is returned when a lot code is declared with a second expiry.
	ErrLotCollision = errors.New("lot collision")
	// ErrLotUnderflow is returned when a lot quantity would become negative.
	ErrLotUnderflow = errors.New("lot underflow")
	// ErrInvalidProduct is returned when a product reference is not part of the operation scope.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrAlreadyFinalized is returned for writes against a finalized stocktake.
	ErrAlreadyFinalized = errors.New("stocktake already finalized")
	// ErrNotStarted is returned when a stocktake is finalized before counting began.
	ErrNotStarted = errors.New("stocktake not started")
)
