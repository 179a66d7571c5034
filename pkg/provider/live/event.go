package live

import (
	"fmt"
	"strings"
)

// Speaker identifies whose speech a transcript fragment belongs to.
type Speaker int

const (
	// SpeakerUser is the person at the microphone.
	SpeakerUser Speaker = iota

	// SpeakerModel is the remote model.
	SpeakerModel
)

// String returns "user" or "model".
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerModel:
		return "model"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// ParseSpeaker parses the output of [Speaker.String].
func ParseSpeaker(s string) (Speaker, error) {
	switch strings.ToLower(s) {
	case "user":
		return SpeakerUser, nil
	case "model":
		return SpeakerModel, nil
	default:
		return 0, fmt.Errorf("live: unknown speaker %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Speaker) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Speaker) UnmarshalText(b []byte) error {
	v, err := ParseSpeaker(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InboundEvent is one event on a session's inbound stream. The set of
// implementations is closed: Opened, AudioChunk, TranscriptFragment,
// TurnComplete, Interrupted, SessionError and SessionClosed.
type InboundEvent interface {
	// Kind returns a stable lower-case name for logs and metrics.
	Kind() string

	inbound()
}

// Opened reports that the handshake completed and the session is Open.
type Opened struct{}

// AudioChunk carries PCM16 little-endian mono audio from the model.
type AudioChunk struct {
	Data       []byte
	SampleRate int
}

// TranscriptFragment is a piece of incremental transcription.
type TranscriptFragment struct {
	Speaker Speaker
	Text    string
}

// TurnComplete marks a turn boundary.
type TurnComplete struct{}

// Interrupted reports that the model's current output was cut off by user
// speech; audio already delivered for it should stop playing.
type Interrupted struct{}

// SessionError reports the error that ended the session. It is always
// followed by [SessionClosed].
type SessionError struct {
	Err error
}

// SessionClosed is the final event on every stream.
type SessionClosed struct {
	// Code is the transport close code, or 0 when none applies.
	Code int

	// Reason is the close reason reported by the remote or the client.
	Reason string
}

func (Opened) Kind() string             { return "opened" }
func (AudioChunk) Kind() string         { return "audio" }
func (TranscriptFragment) Kind() string { return "fragment" }
func (TurnComplete) Kind() string       { return "turn_complete" }
func (Interrupted) Kind() string        { return "interrupted" }
func (SessionError) Kind() string       { return "error" }
func (SessionClosed) Kind() string      { return "closed" }

func (Opened) inbound()             {}
func (AudioChunk) inbound()         {}
func (TranscriptFragment) inbound() {}
func (TurnComplete) inbound()       {}
func (Interrupted) inbound()        {}
func (SessionError) inbound()       {}
func (SessionClosed) inbound()      {}

// Error returns the underlying error's message.
func (e SessionError) Error() string {
	if e.Err == nil {
		return "live: session error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e SessionError) Unwrap() error { return e.Err }
