// Package live defines the transport contract for live, bidirectional voice
// sessions with a remote conversational model.
//
// A [Session] is a duplex stream: captured audio goes out through
// [Session.SendAudio] and everything the model produces comes back as a
// single ordered stream of [InboundEvent] values on [Session.Events]. The
// event stream is the only way a session reports its lifecycle: the first
// event after a successful handshake is [Opened], and the channel is closed
// after exactly one terminal [SessionClosed] (optionally preceded by a
// [SessionError]).
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/MrWong99/livevox/pkg/audio"
)

// Modality is a response modality requested from the model.
type Modality string

const (
	// ModalityAudio requests synthesised speech.
	ModalityAudio Modality = "audio"

	// ModalityText requests text parts.
	ModalityText Modality = "text"
)

// Config is the configuration for a new session.
type Config struct {
	// Model is the provider-specific model name. Empty selects the
	// provider's default.
	Model string

	// Voice is the prebuilt voice the model speaks with. Empty selects the
	// provider's default.
	Voice string

	// SystemInstruction is sent once at session setup.
	SystemInstruction string

	// ResponseModalities lists the requested output modalities.
	// Default: [ModalityAudio].
	ResponseModalities []Modality

	// InputTranscription asks the remote to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the remote to transcribe the model's speech.
	OutputTranscription bool

	// InputSampleRate is the rate of outbound PCM16 audio. Default: 16000.
	InputSampleRate int
}

// DefaultConfig returns an audio-only configuration with transcription
// enabled in both directions.
func DefaultConfig() Config {
	return Config{
		ResponseModalities:  []Modality{ModalityAudio},
		InputTranscription:  true,
		OutputTranscription: true,
		InputSampleRate:     audio.InputSampleRate,
	}
}

// WithDefaults returns c with zero fields filled from [DefaultConfig].
// Transcription flags are left as set. Providers call it at the top of
// Connect.
func (c Config) WithDefaults() Config {
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = []Modality{ModalityAudio}
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	return c
}

// Session is an open duplex session. Implementations return it in
// [StateConnecting]; [Opened] on the event stream marks the transition to
// [StateOpen].
type Session interface {
	// State returns the current transport state.
	State() State

	// Events returns the ordered inbound event stream. The channel is closed
	// after the terminal [SessionClosed] event.
	Events() <-chan InboundEvent

	// SendAudio enqueues one outbound packet without blocking. Packets are
	// transmitted in call order. While the session is still connecting the
	// packet is buffered; once the session is closing it is rejected with
	// [ErrClosing]. [ErrQueueFull] means the packet was dropped.
	SendAudio(pkt audio.EncodedPacket) error

	// Close requests a graceful shutdown. It is idempotent and never fails
	// on a session that has already ended.
	Close() error
}

// Provider opens sessions against one remote back-end.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Connect dials the remote and sends the session setup. It returns once
	// the setup has been written; completion of the handshake is reported
	// in-band by [Opened].
	Connect(ctx context.Context, cfg Config) (Session, error)
}
