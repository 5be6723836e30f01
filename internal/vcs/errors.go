package vcs

import "errors"

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrNotInVCS) {
//	    // Handle a garden without a repository
//	}
var (
	// ErrNotInVCS is returned when the path is not the root of a
	// repository.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the required VCS binary is not
	// installed or not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrNoCommits is returned by Head for a repository without history.
	ErrNoCommits = errors.New("repository has no commits")

	// ErrNotSupported is returned for a type nothing registered.
	ErrNotSupported = errors.New("operation not supported by this VCS")
)

// IsFatal returns true if the error indicates a non-recoverable state
// that requires manual intervention.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrVCSNotAvailable) || errors.Is(err, ErrNotSupported)
}
