package hub

import (
	"fmt"

	"github.com/manlab/manlab/internal/errdefs"
)

// Formatted wrappers around the shared sentinels. Handlers map the
// sentinel to an HTTP status, so every error path must wrap one.

func errNotFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, errdefs.ErrNotFound)
}

func errTransport(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrTransportFailed)
}

func errBadRequest(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrBadRequest)
}

func errPolicy(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrPolicyViolation)
}

func errFeatureDisabled(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrFeatureDisabled)
}

func errTimeout(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrTimeout)
}

func errConflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrConflict)
}
