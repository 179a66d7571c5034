package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livevox/pkg/audio"
)

// MalgoConfig configures the miniaudio-backed microphone.
type MalgoConfig struct {
	// DeviceName selects a capture device by its reported name. Empty uses
	// the system default.
	DeviceName string

	// SampleRate requested from the device. miniaudio converts internally
	// when the hardware runs at another rate. Default: 16000.
	SampleRate int

	// PeriodMs is the callback period. Default: 20.
	PeriodMs int
}

// MalgoOpener returns an [Opener] that captures from a miniaudio device in
// signed 16-bit mono.
func MalgoOpener(cfg MalgoConfig) Opener {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.InputSampleRate
	}
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = 20
	}
	return func(ctx context.Context) (Device, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return openMalgo(cfg)
	}
}

// malgoDevice adapts a miniaudio capture device to [Device].
type malgoDevice struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	rate   int

	mu     sync.Mutex
	onData func([]float32)
}

var _ Device = (*malgoDevice)(nil)

func openMalgo(cfg MalgoConfig) (*malgoDevice, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, audio.ClassifyDeviceError("capture: malgo context", err)
	}

	d := &malgoDevice{mctx: mctx, rate: cfg.SampleRate}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	if cfg.DeviceName != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			d.release()
			return nil, audio.ClassifyDeviceError("capture: enumerate devices", err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == cfg.DeviceName {
				devCfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			d.release()
			return nil, fmt.Errorf("capture: device %q: %w", cfg.DeviceName, audio.ErrDeviceUnavailable)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: d.handleData,
	})
	if err != nil {
		d.release()
		return nil, audio.ClassifyDeviceError("capture: init device", err)
	}
	d.device = device
	if rate := int(device.SampleRate()); rate > 0 {
		d.rate = rate
	}
	return d, nil
}

func (d *malgoDevice) handleData(_, input []byte, _ uint32) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	if fn == nil || len(input) < 2 {
		return
	}
	samples := make([]float32, len(input)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(input[i*2:]))) / 32768
	}
	fn(samples)
}

func (d *malgoDevice) SampleRate() int { return d.rate }

func (d *malgoDevice) Channels() int { return 1 }

func (d *malgoDevice) Start(onData func([]float32)) error {
	d.mu.Lock()
	d.onData = onData
	d.mu.Unlock()
	return d.device.Start()
}

func (d *malgoDevice) Stop() error {
	d.mu.Lock()
	d.onData = nil
	d.mu.Unlock()
	return d.device.Stop()
}

func (d *malgoDevice) Close() error {
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	d.release()
	return nil
}

func (d *malgoDevice) release() {
	if d.mctx == nil {
		return
	}
	_ = d.mctx.Uninit()
	d.mctx.Free()
	d.mctx = nil
}
