// Package errdefs defines the error taxonomy shared by the hub core.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so that
// callers can classify failures with errors.Is regardless of depth.
package errdefs

import "errors"

var (
	// ErrNotFound means a node, command, session or stream does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means a missing or invalid token, or a policy-derived
	// denial of the caller itself.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPolicyViolation means a request fell outside a log/file allowlist.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrFeatureDisabled means the target agent reports the capability as
	// absent or disabled. Default-deny: unknown capabilities are disabled.
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrConflict means a state-machine precondition failed, e.g. cancelling
	// a command that already reached a terminal status.
	ErrConflict = errors.New("conflict")

	// ErrTimeout means a deadline elapsed before the operation completed.
	ErrTimeout = errors.New("timeout")

	// ErrTransportFailed means the agent is disconnected or the transport
	// refused the frame.
	ErrTransportFailed = errors.New("transport failed")

	// ErrBadRequest means a malformed payload or out-of-range parameter.
	ErrBadRequest = errors.New("bad request")

	// ErrInternal means a persistence failure or other unexpected condition.
	ErrInternal = errors.New("internal error")
)

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsUnauthorized(err error) bool    { return errors.Is(err, ErrUnauthorized) }
func IsPolicyViolation(err error) bool { return errors.Is(err, ErrPolicyViolation) }
func IsFeatureDisabled(err error) bool { return errors.Is(err, ErrFeatureDisabled) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
func IsTimeout(err error) bool         { return errors.Is(err, ErrTimeout) }
func IsTransport(err error) bool       { return errors.Is(err, ErrTransportFailed) }
func IsBadRequest(err error) bool      { return errors.Is(err, ErrBadRequest) }
