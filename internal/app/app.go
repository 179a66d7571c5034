// Package app wires all livevox subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the history store,
// connects the event bus, builds the transport chain and the session
// controller, Run serves the HTTP control plane, and Shutdown tears
// everything down in reverse order.
//
// For testing, register mock factories in the [config.Registry] and inject
// stores via functional options (WithHistoryStore, WithMetrics, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevox/internal/bus"
	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/internal/health"
	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/resilience"
	"github.com/MrWong99/livevox/internal/session"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
)

const (
	// startTimeout bounds device acquisition and the transport dial of a
	// Start request. It is independent of the HTTP client.
	startTimeout = 30 * time.Second

	// stopTimeout bounds teardown and the history hand-off of a Stop request.
	stopTimeout = 15 * time.Second

	// readHeaderTimeout protects the control plane from slow clients.
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of a livevox server.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Subsystems: initialised in New, torn down in Shutdown.
	store    history.Store
	pub      *bus.Publisher
	capture  capture.Opener
	output   playback.Opener
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	ctrl     *session.Controller
	hub      *hub
	health   *health.Handler
	handler  http.Handler

	// mu guards the transport chain and the settings it was built from.
	mu        sync.Mutex
	live      config.LiveConfig
	apiKey    string
	transport *resilience.LiveFallback

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of opening one from config.
// The App does not close an injected store.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg resolves the
// configured transports, audio devices and history backend.
//
// If any step fails, everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (_ *App, err error) {
	a := &App{
		cfg:  cfg,
		reg:  reg,
		live: cfg.Live,
		hub:  newHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Event bus ────────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 3. Transport chain ──────────────────────────────────────────────
	transport, err := a.buildTransport(cfg.Live, "")
	if err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	a.transport = transport

	// ── 4. Audio devices ────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 5. Session controller ───────────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 6. HTTP control plane ───────────────────────────────────────────
	a.initHealth()
	a.handler = observe.Middleware(a.metrics)(a.routes())

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the configured store unless one was injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := a.reg.CreateHistory(ctx, a.cfg.History)
	if err != nil {
		return err
	}
	if store == nil {
		slog.Warn("history disabled, transcripts are dropped at session end")
		return nil
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("history store opened", "backend", a.cfg.History.Backend)
	return nil
}

// initBus starts the embedded NATS server if requested and connects the
// publisher. A disabled bus is not an error.
func (a *App) initBus(ctx context.Context) error {
	bc := a.cfg.Bus
	if !bc.Enabled() {
		return nil
	}
	servers := bc.Servers
	if bc.Embedded {
		ns, err := bus.StartEmbedded("127.0.0.1", bc.EmbeddedPort)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			ns.Shutdown()
			return nil
		})
		servers = append([]string{ns.URL()}, servers...)
	}
	pub, err := bus.Connect(ctx, bus.Config{
		Servers:       servers,
		SubjectPrefix: bc.SubjectPrefix,
		Username:      bc.Username,
		Password:      bc.Password,
		Token:         bc.Token,
	})
	if err != nil {
		return err
	}
	a.pub = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

// buildTransport creates every configured transport and chains them behind
// per-transport circuit breakers. A non-empty apiKey overrides the keys in
// lc.
func (a *App) buildTransport(lc config.LiveConfig, apiKey string) (*resilience.LiveFallback, error) {
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Resilience.MaxFailures,
			ResetTimeout: a.cfg.Resilience.ResetTimeout,
			HalfOpenMax:  a.cfg.Resilience.HalfOpenMax,
		},
	}
	var chain *resilience.LiveFallback
	for i, entry := range lc.Entries() {
		// A supplied key belongs to the primary's vendor; transports of
		// another vendor keep their own.
		if apiKey != "" && vendor(entry.Name) == vendor(lc.Primary.Name) {
			entry.APIKey = apiKey
		}
		p, err := a.reg.CreateLive(entry)
		if err != nil {
			return nil, fmt.Errorf("create transport %q: %w", entry.Name, err)
		}
		if i == 0 {
			chain = resilience.NewLiveFallback(p, fcfg)
			continue
		}
		chain.AddFallback(p)
	}
	return chain, nil
}

// vendor returns the vendor prefix of a transport name: "gemini" for
// "gemini-live" and "gemini-genai".
func vendor(name string) string {
	v, _, _ := strings.Cut(name, "-")
	return v
}

// initAudio resolves the capture and output openers.
func (a *App) initAudio() error {
	in, err := a.reg.CreateCapture(a.cfg.Audio)
	if err != nil {
		return err
	}
	out, err := a.reg.CreateOutput(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.capture, a.output = in, out
	return nil
}

// initController builds the session controller and attaches the update
// fan-out: WebSocket clients always, NATS when configured.
func (a *App) initController() error {
	scfg := session.Config{
		Capture:        a.capture,
		Output:         a.output,
		Transport:      a.transport,
		Live:           a.cfg.LiveSessionConfig(),
		Metrics:        a.metrics,
		FrameSize:      a.cfg.Audio.FrameSize,
		HandOffTimeout: a.cfg.Session.HandOffTimeout,
	}
	if a.store != nil {
		scfg.History = a.store
	}
	ctrl, err := session.New(scfg, session.WithListener(a.hub.broadcast))
	if err != nil {
		return err
	}
	if a.pub != nil {
		ctrl.Subscribe(a.pub.Listener())
	}
	a.ctrl = ctrl
	return nil
}

// initHealth registers one readiness checker per dependency.
func (a *App) initHealth() {
	var checks []health.Checker
	if a.store != nil {
		checks = append(checks, health.PingCheck("history", a.store))
	}
	if a.pub != nil {
		checks = append(checks, health.Checker{Name: "bus", Check: a.pub.Check, Optional: true})
	}
	checks = append(checks, health.Checker{Name: "transport", Check: a.checkTransport})
	a.health = health.New(checks...)
}

func (a *App) checkTransport(context.Context) error {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if !t.Healthy() {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the control plane.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// transportChain returns the current transport chain.
func (a *App) transportChain() *resilience.LiveFallback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

// ─── Credentials and reload ──────────────────────────────────────────────────

// SetAPIKey rebuilds the transport chain with key and hands it to the
// controller. A running session keeps the transport it was started with; the
// next Start uses the new key.
func (a *App) SetAPIKey(key string) error {
	if key == "" {
		return errors.New("app: empty api key")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	chain, err := a.buildTransport(a.live, key)
	if err != nil {
		return fmt.Errorf("app: set api key: %w", err)
	}
	a.apiKey = key
	a.transport = chain
	a.ctrl.SetTransport(chain)
	slog.Info("api key replaced", "transports", len(chain.Status()))
	return nil
}

// ApplyConfig applies the hot-reloadable parts of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetLiveConfig(new.LiveSessionConfig())
		slog.Info("session settings reloaded", "voice", new.Session.Voice, "model", new.Live.Primary.Model)
	}
	if d.LiveChanged {
		a.mu.Lock()
		chain, err := a.buildTransport(new.Live, a.apiKey)
		if err == nil {
			a.live = new.Live
			a.transport = chain
			a.ctrl.SetTransport(chain)
		}
		a.mu.Unlock()
		if err != nil {
			slog.Error("transport reload failed, keeping previous transports", "err", err)
		} else {
			slog.Info("transports reloaded", "transports", len(chain.Status()))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control plane on the configured address until ctx is
// cancelled. Extra background tasks (such as a config watcher) run in the
// same group; the first one to fail ends Run.
func (a *App) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("control plane listening", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("control plane listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, task := range tasks {
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session (so its transcript is handed off while
// the store is still open) and then closes all subsystems in reverse-init
// order. Closers that run after ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.hub.closeAll()

		var errs []error
		if a.ctrl != nil {
			if err := a.ctrl.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for i, closer := range slices.Backward(a.closers) {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				break
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		a.closers = nil
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer in reverse order. Used when New fails part way.
func (a *App) closeAll() error {
	var errs []error
	for _, closer := range slices.Backward(a.closers) {
		errs = append(errs, closer())
	}
	a.closers = nil
	return errors.Join(errs...)
}
