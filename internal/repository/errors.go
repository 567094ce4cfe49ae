package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidTransition indicates a deployment status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("repository: invalid status transition")
	// ErrConflict indicates a uniqueness violation, such as a duplicate email.
	ErrConflict = errors.New("repository: conflict")
)

// IsDomainError reports whether err describes the data rather than the health of the store.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict)
}
