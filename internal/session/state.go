// Package session owns the lifecycle of one live voice conversation at a
// time.
//
// A [Controller] is the only component that starts or stops the pipeline:
// it acquires the capture and output devices, connects the transport, wires
// captured frames to the transport and inbound events to playback and the
// transcript, and tears everything down again on stop, remote close or
// failure. Observers follow along through [Update] notifications.
package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// ErrStopping is returned by [Controller.Start] while a previous session is
// still being torn down, and by a Start that was overtaken by Stop.
var ErrStopping = errors.New("session: stopping")

// Phase is the coarse lifecycle phase of the controller.
type Phase int

const (
	// PhaseIdle means no session has been started yet.
	PhaseIdle Phase = iota

	// PhaseStarting covers device acquisition and the transport handshake.
	PhaseStarting

	// PhaseActive means the transport is open and audio flows both ways.
	PhaseActive

	// PhaseStopping means teardown is in progress.
	PhaseStopping

	// PhaseClosed means the last session ended without error.
	PhaseClosed

	// PhaseFailed means the last session ended with an error.
	PhaseFailed
)

// String returns the lower-case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for q := PhaseIdle; q <= PhaseFailed; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("session: unknown phase %q", text)
}

// Running reports whether a session holds resources in this phase.
func (p Phase) Running() bool {
	return p == PhaseStarting || p == PhaseActive || p == PhaseStopping
}

// phaseTransitions lists the legal successors of each phase.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseStarting},
	PhaseStarting: {PhaseActive, PhaseStopping, PhaseClosed, PhaseFailed},
	PhaseActive:   {PhaseStopping, PhaseClosed, PhaseFailed},
	PhaseStopping: {PhaseClosed, PhaseFailed},
	PhaseClosed:   {PhaseStarting},
	PhaseFailed:   {PhaseStarting},
}

func canTransition(from, to Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// FailureKind classifies why a session failed.
type FailureKind string

const (
	// FailureNone is the zero kind.
	FailureNone FailureKind = ""

	// FailurePermission means the OS refused access to an audio device.
	FailurePermission FailureKind = "permission_denied"

	// FailureDevice means an audio device was missing or broken.
	FailureDevice FailureKind = "device_unavailable"

	// FailureStaleKey means the remote rejected the credential.
	FailureStaleKey FailureKind = "stale_key"

	// FailureConnection covers every other transport failure.
	FailureConnection FailureKind = "connection"
)

// ClassifyFailure maps err onto a [FailureKind]. nil maps to [FailureNone].
func ClassifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, audio.ErrPermissionDenied):
		return FailurePermission
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return FailureDevice
	case errors.Is(err, live.ErrStaleKey):
		return FailureStaleKey
	default:
		return FailureConnection
	}
}

// State is the externally visible session state.
type State struct {
	Phase Phase `json:"phase"`

	// Reason is the error text of a failed session.
	Reason string `json:"reason,omitempty"`

	// Kind classifies Reason.
	Kind FailureKind `json:"kind,omitempty"`
}

// NeedsCredential reports whether the user must select a new API key before
// starting again.
func (s State) NeedsCredential() bool {
	return s.Phase == PhaseFailed && s.Kind == FailureStaleKey
}

// Message returns a short human-readable description of a failed state, or
// the empty string.
func (s State) Message() string {
	if s.Phase != PhaseFailed {
		return ""
	}
	switch s.Kind {
	case FailurePermission:
		return "Microphone or speaker access was denied."
	case FailureDevice:
		return "No usable audio device was found."
	case FailureStaleKey:
		return "The API key is no longer valid. Select a key and start again."
	default:
		if s.Reason != "" {
			return "Connection error: " + s.Reason
		}
		return "Connection error."
	}
}

// UpdateKind identifies what an [Update] carries.
type UpdateKind string

const (
	// UpdateState reports a phase change.
	UpdateState UpdateKind = "state"

	// UpdateFragment reports new pending transcription text.
	UpdateFragment UpdateKind = "fragment"

	// UpdateTurn reports entries finalised at a turn boundary.
	UpdateTurn UpdateKind = "turn"
)

// Update is delivered to every [Listener] in the order changes happen.
type Update struct {
	Kind      UpdateKind `json:"kind"`
	SessionID string     `json:"session_id"`
	State     State      `json:"state"`

	// Entries holds the newly finalised entries of an UpdateTurn.
	Entries []transcript.Entry `json:"entries,omitempty"`

	// PendingUser and PendingModel hold the untrimmed text accumulated since
	// the last turn boundary.
	PendingUser  string `json:"pending_user,omitempty"`
	PendingModel string `json:"pending_model,omitempty"`

	// NeedsCredential mirrors State.NeedsCredential for clients that only
	// read the JSON form.
	NeedsCredential bool `json:"needs_credential,omitempty"`

	// Message mirrors State.Message.
	Message string `json:"message,omitempty"`
}
