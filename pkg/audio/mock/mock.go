// Package mock provides in-memory implementations of [capture.Device] and
// [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.InputDevice{Rate: 48000, ChannelCount: 2}
//	stage := capture.NewStage(dev.Opener())
//	_ = stage.Open(ctx)
//	dev.Feed(samples) // delivered as if from the audio thread
//
//	out := mock.NewOutput(24000)
//	sched := playback.NewScheduler(out)
//	out.Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Device  = (*InputDevice)(nil)
	_ playback.Output = (*Output)(nil)
	_ playback.Voice  = (*Voice)(nil)
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [capture.Device].
// Set the exported fields before use; inspect the CallCount* fields after.
type InputDevice struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// ChannelCount is returned by Channels. Defaults to 1 when zero.
	ChannelCount int

	// StartErr is returned by Start.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onData func([]float32)
}

// SampleRate implements [capture.Device].
func (d *InputDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return audio.InputSampleRate
	}
	return d.Rate
}

// Channels implements [capture.Device].
func (d *InputDevice) Channels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ChannelCount == 0 {
		return 1
	}
	return d.ChannelCount
}

// Start implements [capture.Device].
func (d *InputDevice) Start(onData func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.onData = onData
	return nil
}

// Stop implements [capture.Device].
func (d *InputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.onData = nil
	return d.StopErr
}

// Close implements [capture.Device].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onData = nil
	return d.CloseErr
}

// Running reports whether the device has been started and not stopped.
func (d *InputDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onData != nil
}

// Feed delivers interleaved samples to the registered callback as the audio
// thread would. It reports false when the device is not running.
func (d *InputDevice) Feed(samples []float32) bool {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Opener returns a [capture.Opener] that always yields d.
func (d *InputDevice) Opener() capture.Opener {
	return func(context.Context) (capture.Device, error) { return d, nil }
}

// FailingInput returns a [capture.Opener] that always fails with err.
func FailingInput(err error) capture.Opener {
	return func(context.Context) (capture.Device, error) { return nil, err }
}

// ─── Output ──────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	Buffer audio.PCMBuffer
	At     time.Duration
}

// Output is a mock [playback.Output] driven by a manual clock. Voices end
// when [Output.Advance] moves the clock past their end time.
type Output struct {
	mu sync.Mutex

	rate   int
	now    time.Duration
	voices []*Voice // not yet ended
	all    []*Voice

	// PlayErr is returned by Play.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// PlayCalls records every successful Play call in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput returns an Output at the given rate with its clock at zero.
func NewOutput(rate int) *Output {
	return &Output{rate: rate}
}

// Now implements [playback.Clock].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int { return o.rate }

// Play implements [playback.Output].
func (o *Output) Play(buf audio.PCMBuffer, at time.Duration, onEnd func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	o.PlayCalls = append(o.PlayCalls, PlayCall{Buffer: buf, At: at})
	v := &Voice{Start: at, End: at + buf.Duration(), onEnd: onEnd}
	o.voices = append(o.voices, v)
	o.all = append(o.all, v)
	return v, nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseErr
}

// Advance moves the clock forward by d and fires onEnd for every voice that
// has finished and was not stopped. Callbacks run on the caller's goroutine
// after the Output lock is released.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []func()
	kept := o.voices[:0]
	for _, v := range o.voices {
		switch {
		case v.Stopped():
		case v.End <= o.now:
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
		default:
			kept = append(kept, v)
		}
	}
	o.voices = kept
	o.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Voices returns every voice created by Play, including finished ones.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.all...)
}

// Voice is a mock [playback.Voice].
type Voice struct {
	// Start and End are the clock times the voice occupies.
	Start, End time.Duration

	mu      sync.Mutex
	stopped bool
	onEnd   func()
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Opener returns a [playback.Opener] that always yields o.
func (o *Output) Opener() playback.Opener {
	return func(context.Context) (playback.Output, error) { return o, nil }
}

// FailingOutput returns a [playback.Opener] that always fails with err.
func FailingOutput(err error) playback.Opener {
	return func(context.Context) (playback.Output, error) { return nil, err }
}
