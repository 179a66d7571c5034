// Package audio defines the sample containers that flow through a live
// session and the pure conversions between them.
//
// Capture produces [AudioFrame] values (mono float32 at [InputSampleRate]).
// Frames are encoded to 16-bit little-endian PCM ([EncodedPacket]) before they
// leave the process, and inbound PCM is decoded into a [PCMBuffer] ready for
// scheduling on an output device.
package audio

import "time"

const (
	// InputSampleRate is the rate at which captured audio is sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised audio received from the model.
	OutputSampleRate = 24000

	// FrameSize is the default number of samples per captured frame
	// (4096 samples at 16 kHz ≈ 256 ms).
	FrameSize = 4096
)

// AudioFrame is a fixed-length block of mono samples in [-1, 1] produced by a
// capture stage. A frame is immutable once produced; the receiver owns
// Samples.
type AudioFrame struct {
	// Samples holds mono float32 samples.
	Samples []float32

	// SampleRate in Hz (normally [InputSampleRate]).
	SampleRate int

	// Seq is the zero-based production index of the frame within its capture
	// session. Consecutive frames have consecutive Seq values.
	Seq uint64

	// Timestamp marks the start of the frame relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedPacket is a PCM16 payload ready to be sent over a transport, tagged
// with a MIME-like description of its encoding (e.g. "audio/pcm;rate=16000").
type EncodedPacket struct {
	Data     []byte
	MIMEType string
}

// PCMBuffer is decoded, playable audio. Samples are interleaved when
// Channels > 1.
type PCMBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b PCMBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b PCMBuffer) Duration() time.Duration {
	return samplesDuration(b.Frames(), b.SampleRate)
}

func samplesDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
