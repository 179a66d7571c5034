package playback_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/mock"
	"github.com/MrWong99/livevox/pkg/audio/playback"
)

const rate = audio.OutputSampleRate

// chunk returns a mono buffer of d at the output rate.
func chunk(d time.Duration) audio.PCMBuffer {
	n := int(int64(d) * rate / int64(time.Second))
	return audio.PCMBuffer{Samples: make([]float32, n), SampleRate: rate, Channels: 1}
}

func mustSchedule(t *testing.T, s *playback.Scheduler, buf audio.PCMBuffer) playback.Source {
	t.Helper()
	src, err := s.Schedule(buf)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return src
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	for i, at := range want {
		src := mustSchedule(t, s, chunk(100*time.Millisecond))
		if src.Start != at {
			t.Errorf("source %d start = %v; want %v", i, src.Start, at)
		}
		if src.Duration != 100*time.Millisecond {
			t.Errorf("source %d duration = %v; want 100ms", i, src.Duration)
		}
	}
	if got := s.Cursor(); got != 300*time.Millisecond {
		t.Errorf("Cursor() = %v; want 300ms", got)
	}
	if got := s.Active(); got != 3 {
		t.Errorf("Active() = %d; want 3", got)
	}

	// Each source starts exactly where the previous one ended.
	srcs := s.Sources()
	for i := 1; i < len(srcs); i++ {
		if srcs[i].Start != srcs[i-1].End() {
			t.Errorf("gap between source %d and %d: %v != %v", i-1, i, srcs[i-1].End(), srcs[i].Start)
		}
	}
}

func TestScheduler_ArrivalWhilePlaying(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)

	mustSchedule(t, s, chunk(100*time.Millisecond))
	out.Advance(40 * time.Millisecond)
	src := mustSchedule(t, s, chunk(50*time.Millisecond))

	if src.Start != 100*time.Millisecond {
		t.Errorf("start = %v; want 100ms", src.Start)
	}
	if src.Lead != 60*time.Millisecond {
		t.Errorf("lead = %v; want 60ms", src.Lead)
	}
}

func TestScheduler_LateArrivalStartsNow(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)

	mustSchedule(t, s, chunk(100*time.Millisecond))
	out.Advance(250 * time.Millisecond)
	if got := s.Active(); got != 0 {
		t.Fatalf("Active() after playout = %d; want 0", got)
	}

	src := mustSchedule(t, s, chunk(100*time.Millisecond))
	if src.Start != 250*time.Millisecond {
		t.Errorf("start = %v; want 250ms", src.Start)
	}
	if src.Lead != 0 {
		t.Errorf("lead = %v; want 0", src.Lead)
	}
	if got := s.Cursor(); got != 350*time.Millisecond {
		t.Errorf("Cursor() = %v; want 350ms", got)
	}
}

func TestScheduler_StopAll(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)

	mustSchedule(t, s, chunk(100*time.Millisecond))
	mustSchedule(t, s, chunk(100*time.Millisecond))
	out.Advance(30 * time.Millisecond)

	s.StopAll()

	if got := s.Active(); got != 0 {
		t.Errorf("Active() = %d; want 0", got)
	}
	if got := s.Cursor(); got != 30*time.Millisecond {
		t.Errorf("Cursor() = %v; want 30ms", got)
	}
	for i, v := range out.Voices() {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	// Audio after an interruption starts immediately.
	src := mustSchedule(t, s, chunk(20*time.Millisecond))
	if src.Start != 30*time.Millisecond {
		t.Errorf("start after StopAll = %v; want 30ms", src.Start)
	}

	// Stopped voices never report their end.
	out.Advance(time.Second)
	if got := s.Active(); got != 0 {
		t.Errorf("Active() after advance = %d; want 0", got)
	}
}

func TestScheduler_StopAllEmpty(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)
	out.Advance(75 * time.Millisecond)

	s.StopAll()
	s.StopAll()

	if got := s.Cursor(); got != 75*time.Millisecond {
		t.Errorf("Cursor() = %v; want 75ms", got)
	}
}

func TestScheduler_FormatConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		buf     audio.PCMBuffer
		wantLen int
		wantDur time.Duration
	}{
		{
			name:    "16k mono",
			buf:     audio.PCMBuffer{Samples: make([]float32, 1600), SampleRate: 16000, Channels: 1},
			wantLen: 2400,
			wantDur: 100 * time.Millisecond,
		},
		{
			name:    "24k stereo",
			buf:     audio.PCMBuffer{Samples: make([]float32, 4800), SampleRate: rate, Channels: 2},
			wantLen: 2400,
			wantDur: 100 * time.Millisecond,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := mock.NewOutput(rate)
			s := playback.NewScheduler(out)

			src := mustSchedule(t, s, tc.buf)
			if src.Duration != tc.wantDur {
				t.Errorf("duration = %v; want %v", src.Duration, tc.wantDur)
			}
			if len(out.PlayCalls) != 1 {
				t.Fatalf("PlayCalls = %d; want 1", len(out.PlayCalls))
			}
			got := out.PlayCalls[0].Buffer
			if len(got.Samples) != tc.wantLen || got.SampleRate != rate || got.Channels != 1 {
				t.Errorf("played %d samples @ %d Hz x%d; want %d @ %d x1",
					len(got.Samples), got.SampleRate, got.Channels, tc.wantLen, rate)
			}
		})
	}
}

func TestScheduler_EmptyBuffer(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)

	src := mustSchedule(t, s, audio.PCMBuffer{SampleRate: rate, Channels: 1})
	if src != (playback.Source{}) {
		t.Errorf("Schedule(empty) = %+v; want zero Source", src)
	}
	if len(out.PlayCalls) != 0 {
		t.Errorf("PlayCalls = %d; want 0", len(out.PlayCalls))
	}
}

func TestScheduler_PlayError(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	out.PlayErr = errors.New("device lost")
	s := playback.NewScheduler(out)

	if _, err := s.Schedule(chunk(100 * time.Millisecond)); err == nil {
		t.Fatal("Schedule succeeded; want error")
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active() = %d; want 0", got)
	}
	if got := s.Cursor(); got != 0 {
		t.Errorf("Cursor() = %v; want 0", got)
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.NewScheduler(out)
	mustSchedule(t, s, chunk(100*time.Millisecond))

	for i := range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if out.CallCountClose != 1 {
		t.Errorf("output closed %d times; want 1", out.CallCountClose)
	}
	if !out.Voices()[0].Stopped() {
		t.Error("voice not stopped by Close")
	}
	if _, err := s.Schedule(chunk(10 * time.Millisecond)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Schedule after Close = %v; want ErrClosed", err)
	}
}

func TestOpen_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	_, err := playback.Open(context.Background(), mock.FailingOutput(errors.New("access denied by policy")))
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("Open = %v; want ErrPermissionDenied", err)
	}

	_, err = playback.Open(context.Background(), mock.FailingOutput(errors.New("no such device")))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open = %v; want ErrDeviceUnavailable", err)
	}

	out := mock.NewOutput(rate)
	s, err := playback.Open(context.Background(), out.Opener())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
}
