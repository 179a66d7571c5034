package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// DefaultHandOffTimeout bounds a single history hand-off when
// [Config.HandOffTimeout] is zero.
const DefaultHandOffTimeout = 5 * time.Second

// Listener receives controller updates. Listeners run synchronously on the
// goroutine that caused the change, one update at a time, and must not call
// back into the Controller.
type Listener func(Update)

// HistorySink receives the transcript of every session that produced at
// least one entry. [history.Store] satisfies it.
type HistorySink interface {
	Save(ctx context.Context, r history.Record) error
}

// Config holds the dependencies of a [Controller].
type Config struct {
	// Capture acquires the microphone for each session. Required.
	Capture capture.Opener

	// Output acquires the speaker for each session. Required.
	Output playback.Opener

	// Transport opens live sessions. Required.
	Transport live.Provider

	// Live is the session configuration used by the next Start. See
	// [Controller.SetLiveConfig].
	Live live.Config

	// History receives finished transcripts. May be nil.
	History HistorySink

	// Metrics records session instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// FrameSize is the capture frame length in samples. Default: [audio.FrameSize].
	FrameSize int

	// HandOffTimeout bounds the history hand-off. Default: [DefaultHandOffTimeout].
	HandOffTimeout time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithListener registers l before the controller is used.
func WithListener(l Listener) Option {
	return func(c *Controller) {
		if l != nil {
			c.listeners = append(c.listeners, listenerEntry{fn: l})
		}
	}
}

// WithClock sets the wall-clock source for timestamps. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator sets the session ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Controller orchestrates one session at a time. All exported methods are
// safe for concurrent use; Stop may be called at any point, including while
// Start is still acquiring resources.
type Controller struct {
	capture   capture.Opener
	output    playback.Opener
	transport live.Provider
	history   HistorySink
	metrics   *observe.Metrics
	frameSize int
	handOff   time.Duration
	now       func() time.Time
	newID     func() string

	// notifyMu serialises state changes together with their notification
	// so listeners observe updates in the order they happened.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	cur        *run
	liveCfg    live.Config
	listeners  []listenerEntry
	listenerID uint64
}

// New validates cfg and returns an idle Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	var errs []error
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: capture opener is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("session: output opener is required"))
	}
	if cfg.Transport == nil {
		errs = append(errs, errors.New("session: transport is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c := &Controller{
		capture:   cfg.Capture,
		output:    cfg.Output,
		transport: cfg.Transport,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		frameSize: cfg.FrameSize,
		handOff:   cfg.HandOffTimeout,
		liveCfg:   cfg.Live,
		now:       time.Now,
		newID:     newSessionID,
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.frameSize <= 0 {
		c.frameSize = audio.FrameSize
	}
	if c.handOff <= 0 {
		c.handOff = DefaultHandOffTimeout
	}
	for _, o := range opts {
		o(c)
	}
	for i := range c.listeners {
		c.listenerID++
		c.listeners[i].id = c.listenerID
	}
	return c, nil
}

func newSessionID() string {
	return fmt.Sprintf("session-%s-%s",
		time.Now().UTC().Format("20060102T150405Z"),
		strings.ToLower(rand.Text()[:8]),
	)
}

// ── Observers ───────────────────────────────────────────────────────────────

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	c.listenerID++
	id := c.listenerID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: l})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.listeners {
				if e.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// notify delivers u to every listener. The caller must hold notifyMu.
func (c *Controller) notify(u Update) {
	c.mu.Lock()
	ls := make([]Listener, len(c.listeners))
	for i, e := range c.listeners {
		ls[i] = e.fn
	}
	c.mu.Unlock()

	u.NeedsCredential = u.State.NeedsCredential()
	u.Message = u.State.Message()
	for _, l := range ls {
		l(u)
	}
}

// setPhase moves the controller to next on behalf of r and notifies
// listeners. It reports false, without notifying, when r is no longer the
// current run or the transition is not allowed.
func (c *Controller) setPhase(r *run, next State) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.cur != r || !canTransition(c.state.Phase, next.Phase) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateState, SessionID: r.id, State: next})
	return true
}

// publish notifies listeners of a transcript change of r.
func (c *Controller) publish(r *run, u Update) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	u.SessionID = r.id
	u.State = c.state
	c.mu.Unlock()

	c.notify(u)
}

// ── Accessors ───────────────────────────────────────────────────────────────

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ID of the current or most recent session, or the
// empty string before the first Start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.id
}

// Transcript returns a copy of the current or most recent session's
// finalised entries.
func (c *Controller) Transcript() []transcript.Entry {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.asm.Transcript()
}

// Pending returns the in-progress turn of the current session.
func (c *Controller) Pending() transcript.Pending {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return transcript.Pending{}
	}
	return r.asm.Pending()
}

// LiveConfig returns the configuration the next session will use.
func (c *Controller) LiveConfig() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCfg
}

// SetLiveConfig replaces the configuration used by the next Start. A running
// session keeps the configuration it was started with.
func (c *Controller) SetLiveConfig(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCfg = cfg
}

// SetTransport replaces the transport used by the next Start. A nil p is
// ignored.
func (c *Controller) SetTransport(p live.Provider) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = p
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

// Start begins a new session. It returns nil without doing anything when a
// session is already starting or active, and [ErrStopping] while one is
// being torn down.
//
// Start returns once the devices are open and the transport has accepted
// the connection; the switch to [PhaseActive] is reported to listeners when
// the transport opens. On any failure every acquired resource is released,
// the controller moves to [PhaseFailed] and the cause is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.notifyMu.Lock()
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseStarting, PhaseActive:
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return nil
	case PhaseStopping:
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return ErrStopping
	}
	r := newRun(c.newID(), c.now(), c.liveCfg)
	r.transport = c.transport
	c.cur = r
	c.state = State{Phase: PhaseStarting}
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateState, SessionID: r.id, State: State{Phase: PhaseStarting}})
	c.notifyMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	log := observe.SessionLogger(ctx, r.id)
	log.Info("session starting", "transport", r.transport.Name())

	if err := c.acquire(ctx, r); err != nil {
		span.RecordError(err)
		if !r.stopRequested.Load() {
			r.setFailure(err)
		}
		c.finish(r)
		if r.stopRequested.Load() {
			return ErrStopping
		}
		return fmt.Errorf("session: start: %w", err)
	}

	go c.loop(r)
	return nil
}

// acquire opens capture, output and transport in that order, registering
// each with r as soon as it exists so a concurrent Stop can release it.
// Every blocking step runs under a context that Stop cancels.
func (c *Controller) acquire(ctx context.Context, r *run) error {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOpen := context.AfterFunc(r.ctx, cancel)
	defer stopOpen()

	stage := capture.NewStage(c.capture, capture.WithFrameSize(c.frameSize))
	if !r.adopt(func() { r.stage = stage }) {
		return ErrStopping
	}
	if err := stage.Open(openCtx); err != nil {
		return err
	}

	sched, err := playback.Open(openCtx, c.output)
	if err != nil {
		return err
	}
	if !r.adopt(func() { r.sched = sched }) {
		_ = sched.Close()
		return ErrStopping
	}

	connStart := time.Now()
	sess, err := r.transport.Connect(openCtx, r.liveCfg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordConnect(ctx, r.transport.Name(), status, time.Since(connStart))
	if err != nil {
		return err
	}
	if !r.adopt(func() { r.sess = sess }) {
		_ = sess.Close()
		return ErrStopping
	}

	stage.OnFrame(func(f audio.AudioFrame) { c.sendFrame(sess, f) })
	return nil
}

// sendFrame is the capture callback. It never blocks.
func (c *Controller) sendFrame(sess live.Session, f audio.AudioFrame) {
	ctx := context.Background()
	c.metrics.CaptureFrames.Add(ctx, 1)
	err := sess.SendAudio(audio.EncodeFrame(f))
	switch {
	case err == nil:
		c.metrics.FramesSent.Add(ctx, 1)
	case errors.Is(err, live.ErrQueueFull):
		c.metrics.RecordFrameDropped(ctx, "queue_full")
	case errors.Is(err, live.ErrClosing), errors.Is(err, live.ErrNotOpen):
		c.metrics.RecordFrameDropped(ctx, "closing")
	default:
		c.metrics.RecordFrameDropped(ctx, "error")
		slog.Debug("session: send audio failed", "seq", f.Seq, "err", err)
	}
}

// Stop ends the current session. Teardown runs synchronously; Stop then
// waits for the event loop to finish and the transcript to be handed off,
// or for ctx to expire. Stop is idempotent and returns nil when no session
// is running.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	phase := c.state.Phase
	c.mu.Unlock()
	if r == nil || !phase.Running() {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "session.stop")
	defer span.End()

	// A session already winding down keeps its outcome; Stop only waits.
	if phase != PhaseStopping {
		r.stopRequested.Store(true)
		c.setPhase(r, State{Phase: PhaseStopping})
		observe.SessionLogger(ctx, r.id).Info("session stopping")
	}

	r.cancel()
	r.teardown()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// finish runs once per session after the event loop (or a failed Start)
// is done: teardown, metrics, history hand-off, final state.
func (c *Controller) finish(r *run) {
	r.finishOnce.Do(func() {
		defer close(r.done)
		// A session ending on its own is stopping until the hand-off is
		// done; setPhase is a no-op when Stop already got here.
		c.setPhase(r, State{Phase: PhaseStopping})
		r.teardown()

		ended := c.now()
		final := State{Phase: PhaseClosed}
		outcome := history.OutcomeClosed
		switch err := r.failure(); {
		case r.stopRequested.Load():
			outcome = history.OutcomeStopped
		case err != nil:
			final = State{Phase: PhaseFailed, Reason: err.Error(), Kind: ClassifyFailure(err)}
			outcome = history.OutcomeFailed
		}

		ctx := context.Background()
		if r.countedActive {
			c.metrics.ActiveSessions.Add(ctx, -1)
		}
		c.metrics.RecordSessionEnd(ctx, string(outcome), string(final.Kind), ended.Sub(r.started))

		c.handOffTranscript(r, ended, outcome, final.Reason)

		if c.setPhase(r, final) {
			attrs := []any{"session_id", r.id, "outcome", outcome, "entries", r.asm.Len()}
			if final.Phase == PhaseFailed {
				slog.Warn("session failed", append(attrs, "kind", final.Kind, "reason", final.Reason)...)
			} else {
				slog.Info("session ended", attrs...)
			}
		}
	})
}

// handOffTranscript saves r's transcript if it has any entries. It runs at
// most once per session because finish does.
func (c *Controller) handOffTranscript(r *run, ended time.Time, outcome history.Outcome, reason string) {
	entries := r.asm.Transcript()
	if len(entries) == 0 || c.history == nil {
		return
	}
	rec := history.Record{
		SessionID: r.id,
		StartedAt: r.started,
		EndedAt:   ended,
		Outcome:   outcome,
		Reason:    reason,
		Entries:   entries,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.handOff)
	defer cancel()
	if err := c.history.Save(ctx, rec); err != nil {
		c.metrics.RecordHistoryHandoff(ctx, "error")
		slog.Warn("session: history hand-off failed", "session_id", r.id, "err", err)
		return
	}
	c.metrics.RecordHistoryHandoff(ctx, "ok")
	slog.Debug("session: transcript handed off", "session_id", r.id, "entries", len(entries))
}
