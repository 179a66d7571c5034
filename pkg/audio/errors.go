package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Device acquisition failures. Capture and output back-ends wrap their
// native errors with one of these so callers can tell the cases apart with
// errors.Is.
var (
	// ErrPermissionDenied means the OS refused access to the device.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceUnavailable means no usable device exists or it could not be
	// initialised.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// permissionHints are lower-case fragments that native back-ends use when
// the OS blocks device access.
var permissionHints = []string{
	"permission denied",
	"access denied",
	"not permitted",
	"notallowederror",
	"unauthorized",
}

// ClassifyDeviceError wraps err with [ErrPermissionDenied] or
// [ErrDeviceUnavailable]. Errors that already match one of them are
// returned unchanged; nil stays nil.
func ClassifyDeviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range permissionHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrDeviceUnavailable, err)
}
