package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

// ErrDecode is matched (via errors.Is) by every decoding failure in this
// package, including [*DecodeError].
var ErrDecode = errors.New("audio: decode")

// DecodeError reports a PCM16 payload whose length does not divide evenly
// into sample frames.
type DecodeError struct {
	// Length is the payload size in bytes.
	Length int

	// Channels is the channel count the payload was decoded with.
	Channels int
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode pcm16: %d bytes is not a multiple of %d (2 bytes × %d channels)",
		e.Length, 2*e.Channels, e.Channels)
}

// Is lets errors.Is(err, ErrDecode) match a *DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, so both -1 and 1 map to the int16 extremes.
// An empty input yields an empty (non-nil) output.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM into a [PCMBuffer]. It
// is the inverse of [EncodePCM16] and returns a [*DecodeError] when len(data)
// is not a multiple of 2*channels. A channels value ≤ 0 is treated as mono.
func DecodePCM16(data []byte, sampleRate, channels int) (PCMBuffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if len(data)%(2*channels) != 0 {
		return PCMBuffer{}, &DecodeError{Length: len(data), Channels: channels}
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return PCMBuffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s <= -1:
		return math.MinInt16
	case s >= 1:
		return math.MaxInt16
	case s < 0:
		return int16(math.Round(float64(s) * 32768))
	default:
		return int16(math.Round(float64(s) * 32767))
	}
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodeBase64 applies the standard base64 alphabet with padding, as used by
// the session protocol's JSON envelopes.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses [EncodeBase64]. Failures match [ErrDecode].
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	return data, nil
}

// PCMMIMEType returns the MIME tag for raw PCM16 at the given rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMMIMEType extracts the sample rate from a PCM MIME tag such as
// "audio/pcm;rate=24000". ok is false when the type is not audio/pcm or the
// rate parameter is missing or malformed.
func ParsePCMMIMEType(mimeType string) (rate int, ok bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.EqualFold(mediaType, "audio/pcm") {
		return 0, false
	}
	rate, err = strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// EncodeFrame encodes a captured frame into a transport packet.
func EncodeFrame(f AudioFrame) EncodedPacket {
	rate := f.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	return EncodedPacket{Data: EncodePCM16(f.Samples), MIMEType: PCMMIMEType(rate)}
}
