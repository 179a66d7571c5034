package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/livevox/pkg/audio"
)

// OtoConfig configures the oto-backed speaker output.
type OtoConfig struct {
	// SampleRate of the output stream. Default: 24000.
	SampleRate int

	// BufferSize is the device-side buffer. Smaller values lower latency
	// and raise the risk of underruns. Default: 100ms.
	BufferSize time.Duration
}

// oto permits a single context per process; every output shares it. A
// failed initialisation is not cached, so the next Open tries again once
// the device is back.
var (
	otoMu   sync.Mutex
	otoCtx  *oto.Context
	otoRate int
	otoUp   bool

	newOtoContext = func(cfg OtoConfig) (*oto.Context, error) {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   cfg.BufferSize,
		})
		if err != nil {
			return nil, err
		}
		<-ready
		return ctx, nil
	}
)

func sharedOtoContext(cfg OtoConfig) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()
	if !otoUp {
		ctx, err := newOtoContext(cfg)
		if err != nil {
			return nil, err
		}
		otoCtx, otoRate, otoUp = ctx, cfg.SampleRate, true
	}
	if otoRate != cfg.SampleRate {
		return nil, fmt.Errorf("output already initialised at %d Hz, requested %d Hz", otoRate, cfg.SampleRate)
	}
	return otoCtx, nil
}

// OtoOpener returns an [Opener] that plays through the system's default
// output device via oto.
func OtoOpener(cfg OtoConfig) Opener {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100 * time.Millisecond
	}
	return func(ctx context.Context) (Output, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		octx, err := sharedOtoContext(cfg)
		if err != nil {
			return nil, fmt.Errorf("oto: %w", err)
		}
		tl := newTimeline(cfg.SampleRate)
		player := octx.NewPlayer(tl)
		player.Play()
		return &otoOutput{tl: tl, player: player, rate: cfg.SampleRate}, nil
	}
}

var _ Output = (*otoOutput)(nil)

// otoOutput streams a timeline through an oto player. The player pulls
// continuously, so the timeline's frame counter is the output clock.
type otoOutput struct {
	tl     *timeline
	player *oto.Player
	rate   int

	closeOnce sync.Once
	closeErr  error
}

func (o *otoOutput) Now() time.Duration { return o.tl.Now() }

func (o *otoOutput) SampleRate() int { return o.rate }

func (o *otoOutput) Play(buf audio.PCMBuffer, at time.Duration, onEnd func()) (Voice, error) {
	return o.tl.add(buf.Samples, at, onEnd), nil
}

func (o *otoOutput) Close() error {
	o.closeOnce.Do(func() {
		o.tl.close()
		o.player.Pause()
		o.closeErr = o.player.Close()
	})
	return o.closeErr
}
