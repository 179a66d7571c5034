package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livevox/pkg/audio"
)

func TestDownmixToMono(t *testing.T) {
	t.Parallel()
	got := audio.DownmixToMono([]float32{0.2, 0.4, -1, 1}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestDownmixToMono_MonoPassthrough(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, 0.2}
	got := audio.DownmixToMono(in, 1)
	if &got[0] != &in[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResample_PreservesDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to, n, want int
	}{
		{48000, 16000, 4800, 1600},
		{16000, 48000, 160, 480},
		{24000, 48000, 100, 200},
		{44100, 16000, 441, 160},
		{16000, 16000, 10, 10},
	}
	for _, tc := range tests {
		got := audio.Resample(make([]float32, tc.n), tc.from, tc.to)
		if len(got) != tc.want {
			t.Errorf("Resample(%d samples, %d→%d) = %d samples; want %d", tc.n, tc.from, tc.to, len(got), tc.want)
		}
	}
}

func TestResample_LinearRamp(t *testing.T) {
	t.Parallel()
	// Upsampling a ramp by 2 inserts midpoints.
	got := audio.Resample([]float32{0, 0.5, 1}, 8000, 16000)
	want := []float32{0, 0.25, 0.5, 0.75, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestResampler_BlockwiseMatchesWhole(t *testing.T) {
	t.Parallel()

	src := make([]float32, 960)
	for i := range src {
		src[i] = float32(math.Sin(float64(i) / 7))
	}

	whole := audio.NewResampler(48000, 16000).Process(src)

	r := audio.NewResampler(48000, 16000)
	var blocks []float32
	for _, size := range []int{100, 37, 480, 343} {
		blocks = append(blocks, r.Process(src[:size])...)
		src = src[size:]
	}

	if len(blocks) != len(whole) {
		t.Fatalf("blockwise produced %d samples; whole produced %d", len(blocks), len(whole))
	}
	for i := range whole {
		if math.Abs(float64(blocks[i]-whole[i])) > 1e-5 {
			t.Fatalf("sample %d: blockwise %v, whole %v", i, blocks[i], whole[i])
		}
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate, ch int
		want     string
	}{
		{48000, 2, "48000Hz stereo"},
		{16000, 1, "16000Hz mono"},
		{48000, 6, "48000Hz 6ch"},
	}
	for _, tc := range tests {
		if got := audio.FormatString(tc.rate, tc.ch); got != tc.want {
			t.Errorf("FormatString(%d, %d) = %q; want %q", tc.rate, tc.ch, got, tc.want)
		}
	}
}
