package audio

import (
	"fmt"
	"math"
)

// DownmixToMono averages interleaved multi-channel samples into mono. When
// channels ≤ 1 the input is returned unchanged.
func DownmixToMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		base := i * channels
		for c := range channels {
			sum += interleaved[base+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a continuous mono stream between sample rates using
// linear interpolation. Unlike [Resample] it carries its phase and the last
// input sample across calls, so feeding a stream block by block produces the
// same output as resampling it in one piece.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	from, to int
	step     float64

	pos  float64 // read position relative to the start of the next block
	prev float32 // last sample of the previous block (index -1)
}

// NewResampler returns a Resampler from rate from to rate to. Non-positive
// rates yield a pass-through resampler.
func NewResampler(from, to int) *Resampler {
	r := &Resampler{from: from, to: to}
	if from > 0 && to > 0 {
		r.step = float64(from) / float64(to)
	}
	return r
}

// Passthrough reports whether the resampler leaves samples untouched.
func (r *Resampler) Passthrough() bool {
	return r.step == 0 || r.from == r.to
}

// Process resamples the next block of the stream.
func (r *Resampler) Process(in []float32) []float32 {
	if r.Passthrough() {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return []float32{}
	}

	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}
	for {
		idx := int(math.Floor(r.pos))
		if idx+1 >= len(in) {
			break
		}
		frac := float32(r.pos - float64(idx))
		s0, s1 := at(idx), at(idx+1)
		out = append(out, s0+(s1-s0)*frac)
		r.pos += r.step
	}

	r.prev = in[len(in)-1]
	r.pos -= float64(len(in))
	return out
}

// Resample converts a complete mono buffer from one rate to another. The
// output always holds round(len(samples)*to/from) samples, so the duration of
// the buffer is preserved. Equal or non-positive rates return a copy.
func Resample(samples []float32, from, to int) []float32 {
	r := NewResampler(from, to)
	out := r.Process(samples)
	if r.Passthrough() || len(samples) == 0 {
		return out
	}
	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	last := samples[len(samples)-1]
	for len(out) < want {
		out = append(out, last)
	}
	return out[:want]
}

// FormatString returns a human-readable description of a stream format for
// log fields, e.g. "48000Hz stereo".
func FormatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
