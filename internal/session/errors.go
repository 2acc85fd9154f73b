// ABOUTME: Session service errors and their wire error codes
// ABOUTME: Maps internal sentinel errors to the stable codes clients switch on

package session

import (
	"errors"

	"github.com/deskhop/deskhop/internal/store"
)

// Service errors
var (
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrInvalidRating    = errors.New("rating must be between 1 and 5")
	ErrTargetNotOnline  = errors.New("transfer target not online")
	ErrTargetAtCapacity = errors.New("transfer target at capacity")
)

// Wire error codes. These are part of the client contract and must not change.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidSession   = "INVALID_SESSION"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeEmptyMessage     = "EMPTY_MESSAGE"
	CodeAlreadyAssigned  = "ALREADY_ASSIGNED"
	CodeAtCapacity       = "AT_CAPACITY"
	CodeNotOnline        = "NOT_ONLINE"
	CodeNotAssigned      = "NOT_ASSIGNED"
	CodeTargetNotOnline  = "TARGET_NOT_ONLINE"
	CodeTargetAtCapacity = "TARGET_AT_CAPACITY"
	CodeInvalidRating    = "INVALID_RATING"
	CodeRatingFailed     = "RATING_FAILED"
	CodeServerError      = "SERVER_ERROR"
)

// ErrorCode maps a service error to its wire code. Unknown errors map to
// SERVER_ERROR so internals never leak to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodeSessionNotFound
	case errors.Is(err, store.ErrSessionClosed):
		return CodeInvalidSession
	case errors.Is(err, store.ErrAlreadyAssigned):
		return CodeAlreadyAssigned
	case errors.Is(err, ErrTargetAtCapacity):
		return CodeTargetAtCapacity
	case errors.Is(err, ErrTargetNotOnline):
		return CodeTargetNotOnline
	case errors.Is(err, store.ErrAtCapacity):
		return CodeAtCapacity
	case errors.Is(err, store.ErrNotOnline):
		return CodeNotOnline
	case errors.Is(err, store.ErrNotAssigned):
		return CodeNotAssigned
	case errors.Is(err, store.ErrNotResolved):
		return CodeRatingFailed
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, ErrInvalidRating):
		return CodeInvalidRating
	default:
		return CodeServerError
	}
}
