// Package capture bridges a live microphone into a sequence of fixed-size
// [audio.AudioFrame] values.
//
// A [Stage] owns exactly one input [Device] for its lifetime. Open acquires
// the device, OnFrame registers the consumer, and Close releases everything.
// Device callbacks run on a goroutine owned by the audio back-end; the Stage
// re-blocks, down-mixes and resamples whatever the device delivers into
// frames of [audio.FrameSize] samples at [audio.InputSampleRate] mono.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
)

// Device is a started-on-demand input device. Implementations deliver
// interleaved float32 samples in [-1, 1] at SampleRate with Channels
// channels to the function passed to Start, from a single goroutine.
type Device interface {
	// SampleRate is the native rate of the samples passed to the callback.
	SampleRate() int

	// Channels is the interleaved channel count of the samples.
	Channels() int

	// Start begins delivering samples. onData must not retain its argument.
	Start(onData func(samples []float32)) error

	// Stop halts delivery. After Stop returns no further callbacks are made.
	Stop() error

	// Close releases the device. It is called once, after Stop.
	Close() error
}

// Opener acquires an input device. Failures should match
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable].
type Opener func(ctx context.Context) (Device, error)

// ErrAlreadyOpen is returned by [Stage.Open] on a second call.
var ErrAlreadyOpen = errors.New("capture: stage already opened")

// Option configures a [Stage].
type Option func(*Stage)

// WithFrameSize sets the number of samples per emitted frame.
func WithFrameSize(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// WithSampleRate sets the rate of emitted frames.
func WithSampleRate(rate int) Option {
	return func(s *Stage) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// Stage is the capture pipeline stage. All exported methods are safe for
// concurrent use, including Close while a device callback is in flight.
type Stage struct {
	open       Opener
	frameSize  int
	sampleRate int

	// lifeMu serialises device start, Stop and Close; mu guards the
	// fields shared with the device callback.
	lifeMu sync.Mutex

	mu        sync.Mutex
	device    Device
	resampler *audio.Resampler
	channels  int
	pending   []float32
	seq       uint64
	onFrame   func(audio.AudioFrame)
	opened    bool
	active    bool
	stopped   bool
	closed    bool
}

// NewStage returns a Stage that acquires its device through open.
func NewStage(open Opener, opts ...Option) *Stage {
	s := &Stage{
		open:       open,
		frameSize:  audio.FrameSize,
		sampleRate: audio.InputSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnFrame registers the consumer of captured frames, replacing any previous
// one. The callback receives ownership of each frame and is invoked on the
// device's goroutine; it must return quickly.
func (s *Stage) OnFrame(fn func(audio.AudioFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// Open acquires and starts the input device. On failure every partially
// acquired resource is released and the error is returned; Close remains
// safe to call afterwards.
//
// The device is acquired without holding the lifecycle lock, so Stop and
// Close never wait on a slow or hung opener; a Stage stopped in the
// meantime releases the device as soon as the opener returns.
func (s *Stage) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.mu.Unlock()

	dev, err := s.open(ctx)
	if err != nil {
		return audio.ClassifyDeviceError("capture: open", err)
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed || s.stopped {
		s.mu.Unlock()
		_ = dev.Close()
		return fmt.Errorf("capture: open: stage closed: %w", audio.ErrDeviceUnavailable)
	}
	s.device = dev
	s.channels = max(dev.Channels(), 1)
	s.resampler = audio.NewResampler(dev.SampleRate(), s.sampleRate)
	s.mu.Unlock()

	if err := dev.Start(s.handleSamples); err != nil {
		s.mu.Lock()
		s.device = nil
		s.mu.Unlock()
		_ = dev.Close()
		return audio.ClassifyDeviceError("capture: start", err)
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	slog.Debug("capture stage opened",
		"device_format", audio.FormatString(dev.SampleRate(), dev.Channels()),
		"frame_size", s.frameSize,
		"sample_rate", s.sampleRate,
	)
	return nil
}

// handleSamples is the device callback. It converts the block to the
// target format and emits every complete frame in production order.
func (s *Stage) handleSamples(samples []float32) {
	s.mu.Lock()
	if s.stopped || s.closed || s.resampler == nil {
		s.mu.Unlock()
		return
	}
	mono := audio.DownmixToMono(samples, s.channels)
	s.pending = append(s.pending, s.resampler.Process(mono)...)

	var frames []audio.AudioFrame
	for len(s.pending) >= s.frameSize {
		out := make([]float32, s.frameSize)
		copy(out, s.pending)
		s.pending = s.pending[s.frameSize:]
		frames = append(frames, audio.AudioFrame{
			Samples:    out,
			SampleRate: s.sampleRate,
			Seq:        s.seq,
			Timestamp:  time.Duration(int64(s.seq) * int64(s.frameSize) * int64(time.Second) / int64(s.sampleRate)),
		})
		s.seq++
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	cb := s.onFrame
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, f := range frames {
		cb(f)
	}
}

// Active reports whether the device is currently delivering frames.
func (s *Stage) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop halts the device without releasing it. Samples that have not yet
// filled a frame are discarded. Stop is idempotent.
func (s *Stage) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.stopLocked()
}

func (s *Stage) stopLocked() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.active = false
	s.pending = nil
	dev := s.device
	s.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Close stops the device (if still running) and releases it. Close is
// idempotent and safe to call when Open failed or was never called.
func (s *Stage) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	stopErr := s.stopLocked()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dev := s.device
	s.device = nil
	s.onFrame = nil
	s.mu.Unlock()

	var closeErr error
	if dev != nil {
		if err := dev.Close(); err != nil {
			closeErr = fmt.Errorf("capture: close: %w", err)
		}
	}
	return errors.Join(stopErr, closeErr)
}
