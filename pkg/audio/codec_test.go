package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/livevox/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncodePCM16_Scaling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale", 1, 32767},
		{"negative full scale", -1, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.EncodePCM16([]float32{tc.in}))
			if len(got) != 1 {
				t.Fatalf("len = %d; want 1", len(got))
			}
			if got[0] != tc.want {
				t.Errorf("EncodePCM16(%v) = %d; want %d", tc.in, got[0], tc.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()
	out := audio.EncodePCM16([]float32{1})
	if out[0] != 0xFF || out[1] != 0x7F {
		t.Errorf("bytes = %x; want ff7f", out)
	}
}

func TestEncodePCM16_Empty(t *testing.T) {
	t.Parallel()
	out := audio.EncodePCM16(nil)
	if out == nil || len(out) != 0 {
		t.Errorf("EncodePCM16(nil) = %v; want empty non-nil slice", out)
	}
}

func TestPCM16_RoundTripWithinOneStep(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 10000)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}
	samples = append(samples, -1, 1, 0, -1e-6, 1e-6)

	buf, err := audio.DecodePCM16(audio.EncodePCM16(samples), 16000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(buf.Samples) != len(samples) {
		t.Fatalf("decoded %d samples; want %d", len(buf.Samples), len(samples))
	}
	const step = 1.0 / 32768
	for i, s := range samples {
		if d := math.Abs(float64(buf.Samples[i] - s)); d > step {
			t.Fatalf("sample %d: |%v - %v| = %g > %g", i, buf.Samples[i], s, d, step)
		}
	}
}

func TestDecodePCM16_Metadata(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodePCM16(make([]byte, 48000), 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if buf.SampleRate != 24000 || buf.Channels != 1 {
		t.Errorf("format = %d/%d; want 24000/1", buf.SampleRate, buf.Channels)
	}
	if got := buf.Duration().Seconds(); got != 1 {
		t.Errorf("Duration = %vs; want 1s", got)
	}
}

func TestDecodePCM16_MisalignedLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		length   int
		channels int
	}{
		{"odd mono", 3, 1},
		{"stereo not multiple of 4", 6, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePCM16(make([]byte, tc.length), 24000, tc.channels)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, audio.ErrDecode) {
				t.Errorf("errors.Is(err, ErrDecode) = false; err = %v", err)
			}
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error is %T; want *audio.DecodeError", err)
			}
			if de.Length != tc.length || de.Channels != tc.channels {
				t.Errorf("DecodeError = %+v", de)
			}
		})
	}
}

func TestBase64_RoundTrip(t *testing.T) {
	t.Parallel()
	data := []byte{0, 1, 2, 0xFE, 0xFF, 0x7F}
	got, err := audio.DecodeBase64(audio.EncodeBase64(data))
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip = %v; want %v", got, data)
	}
}

func TestDecodeBase64_Invalid(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeBase64("not base64!!")
	if !errors.Is(err, audio.ErrDecode) {
		t.Errorf("err = %v; want ErrDecode", err)
	}
}

func TestPCMMIMEType(t *testing.T) {
	t.Parallel()
	if got := audio.PCMMIMEType(16000); got != "audio/pcm;rate=16000" {
		t.Errorf("PCMMIMEType = %q", got)
	}

	tests := []struct {
		in       string
		wantRate int
		wantOK   bool
	}{
		{"audio/pcm;rate=24000", 24000, true},
		{"audio/pcm; rate=16000", 16000, true},
		{"audio/pcm", 0, false},
		{"audio/opus;rate=48000", 0, false},
		{"audio/pcm;rate=abc", 0, false},
	}
	for _, tc := range tests {
		rate, ok := audio.ParsePCMMIMEType(tc.in)
		if rate != tc.wantRate || ok != tc.wantOK {
			t.Errorf("ParsePCMMIMEType(%q) = %d, %v; want %d, %v", tc.in, rate, ok, tc.wantRate, tc.wantOK)
		}
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()
	pkt := audio.EncodeFrame(audio.AudioFrame{Samples: make([]float32, 4096), SampleRate: 16000})
	if len(pkt.Data) != 8192 {
		t.Errorf("len(Data) = %d; want 8192", len(pkt.Data))
	}
	if pkt.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", pkt.MIMEType)
	}
}

func TestClassifyDeviceError(t *testing.T) {
	t.Parallel()

	if audio.ClassifyDeviceError("op", nil) != nil {
		t.Error("nil error should stay nil")
	}
	perm := audio.ClassifyDeviceError("capture: init", errors.New("ALSA: Permission denied"))
	if !errors.Is(perm, audio.ErrPermissionDenied) {
		t.Errorf("permission error not classified: %v", perm)
	}
	other := audio.ClassifyDeviceError("capture: init", errors.New("no such device"))
	if !errors.Is(other, audio.ErrDeviceUnavailable) {
		t.Errorf("generic error not classified as unavailable: %v", other)
	}
	already := audio.ClassifyDeviceError("x", audio.ErrPermissionDenied)
	if already != audio.ErrPermissionDenied {
		t.Errorf("pre-classified error was rewrapped: %v", already)
	}
}
