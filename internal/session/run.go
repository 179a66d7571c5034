package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// run is the state of a single session. Its resources are owned
// exclusively by the run and released once by teardown.
type run struct {
	id      string
	started time.Time
	liveCfg live.Config
	asm     *transcript.Assembler

	// transport is fixed when the run is created.
	transport live.Provider

	// ctx is cancelled by Stop; it aborts an in-flight Connect.
	ctx    context.Context
	cancel context.CancelFunc

	stopRequested atomic.Bool
	finishOnce    sync.Once
	done          chan struct{}

	// countedActive is only touched by the goroutine that runs finish.
	countedActive bool

	mu       sync.Mutex
	stage    *capture.Stage
	sched    *playback.Scheduler
	sess     live.Session
	tornDown bool
	err      error
}

func newRun(id string, started time.Time, cfg live.Config) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		id:      id,
		started: started,
		liveCfg: cfg,
		asm:     transcript.NewAssembler(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// adopt runs assign under the run lock unless the run has already been torn
// down, in which case it reports false and the caller keeps ownership.
func (r *run) adopt(assign func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tornDown {
		return false
	}
	assign()
	return true
}

// setFailure records the first error that ends the session.
func (r *run) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) scheduler() *playback.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched
}

// teardown releases everything the run acquired: transport first, then the
// capture device is stopped, playback is silenced, and finally both devices
// are closed. Every step runs even if an earlier one fails or panics.
// teardown is idempotent.
func (r *run) teardown() error {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return nil
	}
	r.tornDown = true
	sess, stage, sched := r.sess, r.stage, r.sched
	r.mu.Unlock()

	r.cancel()

	type step struct {
		name string
		fn   func() error
	}
	var steps []step
	if sess != nil {
		steps = append(steps, step{"close transport", sess.Close})
	}
	if stage != nil {
		steps = append(steps, step{"stop capture", stage.Stop})
	}
	if sched != nil {
		steps = append(steps, step{"stop playback", func() error { sched.StopAll(); return nil }})
	}
	if stage != nil {
		steps = append(steps, step{"close capture", stage.Close})
	}
	if sched != nil {
		steps = append(steps, step{"close output", sched.Close})
	}

	var errs []error
	for _, s := range steps {
		if err := safeCall(s.fn); err != nil {
			slog.Warn("session: teardown step failed", "session_id", r.id, "step", s.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// ── Event loop ──────────────────────────────────────────────────────────────

// loop dispatches inbound events in arrival order until the transport
// closes its event channel, then finishes the session.
func (c *Controller) loop(r *run) {
	defer c.finish(r)

	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()

	for ev := range sess.Events() {
		c.metrics.RecordInboundEvent(context.Background(), ev.Kind())
		c.dispatch(r, ev)
	}
}

func (c *Controller) dispatch(r *run, ev live.InboundEvent) {
	ctx := context.Background()
	switch ev := ev.(type) {
	case live.Opened:
		if c.setPhase(r, State{Phase: PhaseActive}) {
			r.countedActive = true
			c.metrics.ActiveSessions.Add(ctx, 1)
			slog.Info("session active", "session_id", r.id)
		}

	case live.AudioChunk:
		c.playChunk(ctx, r, ev)

	case live.TranscriptFragment:
		r.asm.OnFragment(ev.Speaker, ev.Text)
		p := r.asm.Pending()
		c.publish(r, Update{Kind: UpdateFragment, PendingUser: p.User, PendingModel: p.Model})

	case live.TurnComplete:
		entries := r.asm.OnTurnComplete()
		if len(entries) == 0 {
			return
		}
		for _, e := range entries {
			c.metrics.TurnsCompleted.Add(ctx, 1, metricSpeaker(e.Speaker))
		}
		c.publish(r, Update{Kind: UpdateTurn, Entries: entries})

	case live.Interrupted:
		if sched := r.scheduler(); sched != nil {
			sched.StopAll()
		}
		slog.Debug("session: model output interrupted", "session_id", r.id)

	case live.SessionError:
		r.setFailure(ev.Err)
		slog.Warn("session: transport error", "session_id", r.id, "err", ev.Err)

	case live.SessionClosed:
		slog.Debug("session: transport closed", "session_id", r.id, "code", ev.Code, "reason", ev.Reason)

	default:
		slog.Warn("session: unhandled event", "session_id", r.id, "kind", ev.Kind())
	}
}

// playChunk decodes an inbound chunk and schedules it. A malformed chunk is
// dropped and the session continues.
func (c *Controller) playChunk(ctx context.Context, r *run, ev live.AudioChunk) {
	rate := ev.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	buf, err := audio.DecodePCM16(ev.Data, rate, 1)
	if err != nil {
		c.metrics.DecodeErrors.Add(ctx, 1)
		slog.Debug("session: dropping malformed audio chunk", "session_id", r.id, "bytes", len(ev.Data), "err", err)
		return
	}
	sched := r.scheduler()
	if sched == nil {
		return
	}
	src, err := sched.Schedule(buf)
	if err != nil {
		if !errors.Is(err, playback.ErrClosed) {
			slog.Warn("session: schedule audio failed", "session_id", r.id, "err", err)
		}
		return
	}
	if src.Duration == 0 {
		return
	}
	c.metrics.PlaybackChunks.Add(ctx, 1)
	c.metrics.PlaybackLead.Record(ctx, src.Lead.Seconds())
}

func metricSpeaker(s live.Speaker) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("speaker", s.String()))
}
