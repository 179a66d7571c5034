package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/audio"
)

// timeline is a mono sample-accurate mixer exposed as an io.Reader. Voices
// are placed at absolute frame positions; Read renders the next block,
// summing overlapping voices and filling gaps with silence. The number of
// frames read so far is the output clock.
type timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	voices []*timelineVoice
	mix    []float32
	closed bool
}

var _ Voice = (*timelineVoice)(nil)

type timelineVoice struct {
	tl      *timeline
	start   int64
	samples []float32
	onEnd   func()
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// Now returns the clock position of the next frame to be rendered.
func (tl *timeline) Now() time.Duration {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.frameTime(tl.pos)
}

func (tl *timeline) frameTime(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(tl.rate))
}

// frameAt rounds to the nearest frame so that durations truncated to whole
// nanoseconds still land on the frame that follows the previous voice.
func (tl *timeline) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(tl.rate) + int64(time.Second)/2) / int64(time.Second)
}

// add schedules samples at clock time at. Times in the past are clamped to
// the next rendered frame.
func (tl *timeline) add(samples []float32, at time.Duration, onEnd func()) *timelineVoice {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	v := &timelineVoice{tl: tl, start: max(tl.frameAt(at), tl.pos), samples: samples, onEnd: onEnd}
	if tl.closed || len(samples) == 0 {
		return v
	}
	tl.voices = append(tl.voices, v)
	return v
}

// Stop implements [Voice].
func (v *timelineVoice) Stop() {
	v.tl.remove(v)
}

func (tl *timeline) remove(v *timelineVoice) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, cur := range tl.voices {
		if cur == v {
			tl.voices = append(tl.voices[:i], tl.voices[i+1:]...)
			return
		}
	}
}

// close drops every voice. Subsequent reads render silence.
func (tl *timeline) close() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.closed = true
	tl.voices = nil
}

// Read renders len(p)/2 frames of signed 16-bit little-endian mono audio.
// It never blocks and never returns an error.
func (tl *timeline) Read(p []byte) (int, error) {
	frames := len(p) / 2
	if frames == 0 {
		return 0, nil
	}

	tl.mu.Lock()
	if cap(tl.mix) < frames {
		tl.mix = make([]float32, frames)
	}
	mix := tl.mix[:frames]
	clear(mix)

	end := tl.pos + int64(frames)
	var ended []func()
	kept := tl.voices[:0]
	for _, v := range tl.voices {
		vEnd := v.start + int64(len(v.samples))
		if v.start < end && vEnd > tl.pos {
			from := max(v.start, tl.pos)
			to := min(vEnd, end)
			src := v.samples[from-v.start : to-v.start]
			dst := mix[from-tl.pos : to-tl.pos]
			for i, s := range src {
				dst[i] += s
			}
		}
		if vEnd <= end {
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(tl.voices); i++ {
		tl.voices[i] = nil
	}
	tl.voices = kept
	tl.pos = end
	copy(p, audio.EncodePCM16(mix))
	tl.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return frames * 2, nil
}
