// Package playback schedules decoded audio on an output device so that
// chunks arriving at bursty, unpredictable intervals play back to back with
// no gaps and no overlap.
//
// The [Scheduler] keeps a single cursor: the output-clock time at which the
// next chunk should start. Each chunk starts at max(cursor, now) and advances
// the cursor by its duration. [Scheduler.StopAll] silences everything that is
// playing or pending and rewinds the cursor to the current clock.
package playback

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Clock reports the monotonic time of an output stream.
type Clock interface {
	// Now returns the current position of the output stream. It never
	// decreases.
	Now() time.Duration
}

// Voice is a handle to one scheduled buffer on an [Output].
type Voice interface {
	// Stop halts the voice immediately whether it is playing or still
	// pending. Stop is idempotent; a stopped voice never reports its end.
	Stop()
}

// Output is an output device that can start buffers at absolute clock
// times.
type Output interface {
	Clock

	// SampleRate is the device rate; buffers passed to Play already match it.
	SampleRate() int

	// Play schedules buf (mono) to begin at clock time at. onEnd is invoked
	// once, from a device goroutine, when the buffer has fully played. It
	// must not be invoked from within Play.
	Play(buf audio.PCMBuffer, at time.Duration, onEnd func()) (Voice, error)

	// Close releases the device.
	Close() error
}

// Opener acquires an output device. Failures should match
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable].
type Opener func(ctx context.Context) (Output, error)

// Source describes one scheduled chunk.
type Source struct {
	// ID is unique within a Scheduler and increases in schedule order.
	ID uint64

	// Start is the output-clock time at which the chunk begins.
	Start time.Duration

	// Duration is the chunk's playback length.
	Duration time.Duration

	// Lead is how far ahead of the clock the chunk was scheduled
	// (Start minus the clock reading at schedule time).
	Lead time.Duration
}

// End returns the clock time at which the chunk finishes.
func (s Source) End() time.Duration { return s.Start + s.Duration }

type scheduled struct {
	src   Source
	voice Voice
}

// Scheduler owns an [Output] and the set of chunks scheduled on it. All
// methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]*scheduled
	nextID uint64
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Open acquires an output device through open and wraps it in a Scheduler.
func Open(ctx context.Context, open Opener) (*Scheduler, error) {
	out, err := open(ctx)
	if err != nil {
		return nil, audio.ClassifyDeviceError("playback: open", err)
	}
	return NewScheduler(out), nil
}

// NewScheduler returns a Scheduler for out with the cursor at out's
// current time.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		cursor: out.Now(),
		active: make(map[uint64]*scheduled),
	}
}

// Schedule queues buf to start at max(cursor, now) and advances the cursor
// by the buffer's duration. Multi-channel buffers are down-mixed and buffers
// at another rate are resampled to the device rate. An empty buffer is a
// no-op that returns a zero Source.
func (s *Scheduler) Schedule(buf audio.PCMBuffer) (Source, error) {
	if buf.Frames() == 0 {
		return Source{}, nil
	}
	dur := buf.Duration()
	mono := audio.PCMBuffer{
		Samples:    audio.DownmixToMono(buf.Samples, buf.Channels),
		SampleRate: buf.SampleRate,
		Channels:   1,
	}
	if rate := s.out.SampleRate(); rate > 0 && mono.SampleRate != rate {
		mono.Samples = audio.Resample(mono.Samples, mono.SampleRate, rate)
		mono.SampleRate = rate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Source{}, ErrClosed
	}

	now := s.out.Now()
	start := max(s.cursor, now)
	s.nextID++
	id := s.nextID
	entry := &scheduled{src: Source{ID: id, Start: start, Duration: dur, Lead: start - now}}
	s.active[id] = entry

	voice, err := s.out.Play(mono, start, func() { s.finish(id) })
	if err != nil {
		delete(s.active, id)
		return Source{}, fmt.Errorf("playback: schedule: %w", err)
	}
	entry.voice = voice
	s.cursor = start + dur
	return entry.src, nil
}

// finish removes a naturally completed source from the active set.
func (s *Scheduler) finish(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// StopAll halts every playing and pending source, clears the active set and
// rewinds the cursor to the current clock. Safe to call on an empty set.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := make([]Voice, 0, len(s.active))
	for id, e := range s.active {
		if e.voice != nil {
			voices = append(voices, e.voice)
		}
		delete(s.active, id)
	}
	s.cursor = s.out.Now()
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
}

// Active returns the number of scheduled sources that have not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Sources returns a snapshot of the active set ordered by start time.
func (s *Scheduler) Sources() []Source {
	s.mu.Lock()
	out := make([]Source, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.src)
	}
	s.mu.Unlock()

	// IDs increase with start time.
	slices.SortFunc(out, func(a, b Source) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Cursor returns the time at which the next chunk would start if the clock
// has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops all sources and releases the output device. Close is
// idempotent; later calls return the first result.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.StopAll()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.out.Close(); err != nil {
			s.closeErr = fmt.Errorf("playback: close: %w", err)
		}
	})
	return s.closeErr
}
