package repository

import "errors"

// ErrNotFound indicates the requested project, deployment, env var or log
// entry does not exist.
var ErrNotFound = errors.New("repository: not found")

// IsNotFound reports whether err is the missing-entity sentinel, possibly
// wrapped.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
