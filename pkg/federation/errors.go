package federation

import (
	"context"
	"errors"

	"syndicate/pkg/store"
)

var (
	// ErrSelfFollow is returned when a follow edge would point at the
	// local site itself.
	ErrSelfFollow = errors.New("federation: cannot follow own site")
	// ErrDuplicateFollow is returned when the target is already followed.
	ErrDuplicateFollow = errors.New("federation: target already followed")
	// ErrEdgeNotFound is returned for operations on an unknown edge.
	ErrEdgeNotFound = errors.New("federation: follow edge not found")
	// ErrWriteDenied is returned when the index write policy rejects the
	// acting identity.
	ErrWriteDenied = errors.New("federation: index write denied")
	// ErrUnknownStrategy is returned for an unrecognized transport name.
	ErrUnknownStrategy = errors.New("federation: unknown transport strategy")
)

// IsTransient reports whether an error is worth retrying with backoff.
// Policy decisions, malformed input, and cancellation are permanent; store
// and transport failures are assumed to be connectivity related.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrSelfFollow),
		errors.Is(err, ErrDuplicateFollow),
		errors.Is(err, ErrEdgeNotFound),
		errors.Is(err, ErrWriteDenied),
		errors.Is(err, ErrUnknownStrategy):
		return false
	case errors.Is(err, store.ErrCorrupted):
		return false
	case errors.Is(err, store.ErrClosed):
		return false
	}
	return true
}
