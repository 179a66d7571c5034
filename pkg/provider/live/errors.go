package live

import (
	"errors"
	"fmt"
	"strings"
)

// Transport error taxonomy. Implementations wrap native errors so callers
// can branch with errors.Is.
var (
	// ErrConnection is a generic transport failure.
	ErrConnection = errors.New("live: connection error")

	// ErrStaleKey means the remote rejected the credential or the entity it
	// refers to; the user must select a new key before retrying.
	ErrStaleKey = errors.New("live: credential no longer valid")

	// ErrNotOpen is returned when sending on a session that was never
	// connected.
	ErrNotOpen = errors.New("live: session not open")

	// ErrClosing is returned when sending on a session that is closing or
	// has ended.
	ErrClosing = errors.New("live: session closing")

	// ErrQueueFull is returned when the outbound buffer is full and the
	// packet was dropped.
	ErrQueueFull = errors.New("live: outbound queue full")
)

// staleKeyPatterns are lower-case fragments of remote error messages that
// indicate an invalid or revoked credential.
var staleKeyPatterns = []string{
	"requested entity was not found",
	"api key not valid",
	"api key expired",
	"api_key_invalid",
	"permission_denied: api key",
	"incorrect api key provided",
	"invalid api key",
}

// IsStaleKeyMessage reports whether msg matches a credential-rejection
// pattern.
func IsStaleKeyMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range staleKeyPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifyError wraps err with [ErrStaleKey] when its message matches a
// credential-rejection pattern and with [ErrConnection] otherwise. Errors
// that already match either sentinel are returned unchanged; nil stays nil.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleKey) || errors.Is(err, ErrConnection) {
		return err
	}
	if IsStaleKeyMessage(err.Error()) {
		return fmt.Errorf("%w: %w", ErrStaleKey, err)
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
