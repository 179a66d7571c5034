// Package genailive implements live.Provider on top of the Live API of the
// official Google Gen AI SDK (google.golang.org/genai).
//
// It offers the same capability as the gemini package, which speaks the
// BidiGenerateContent protocol directly, and is used as its fallback.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-genai"

	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
)

// remote is the subset of *genai.Session the transport uses.
type remote interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model used when the session config does not
// name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutboxSize sets how many outbound packets may be buffered.
func WithOutboxSize(n int) Option {
	return func(p *Provider) { p.outboxSize = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider through the Gen AI SDK.
type Provider struct {
	apiKey     string
	model      string
	outboxSize int
	log        *slog.Logger

	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

// New creates a Provider for the Gemini API backend.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		outboxSize: live.DefaultOutboxSize,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return Name }

func (p *Provider) genaiClient(ctx context.Context) (*genai.Client, error) {
	p.clientOnce.Do(func() {
		p.client, p.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.client, p.clientErr
}

// Connect opens an SDK live session. The returned session is Connecting until
// the server's setup acknowledgement arrives as live.Opened.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}

	client, err := p.genaiClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genailive: client: %w", live.ClassifyError(err))
	}
	rs, err := client.Live.Connect(ctx, cfg.Model, buildConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", live.ClassifyError(err))
	}
	return newSession(rs, cfg, p.outboxSize, p.log.With("provider", Name)), nil
}

// buildConnectConfig translates a live.Config into the SDK's connect config.
func buildConnectConfig(cfg live.Config) *genai.LiveConnectConfig {
	cc := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities {
		switch m {
		case live.ModalityAudio:
			cc.ResponseModalities = append(cc.ResponseModalities, genai.ModalityAudio)
		case live.ModalityText:
			cc.ResponseModalities = append(cc.ResponseModalities, genai.ModalityText)
		}
	}
	if cfg.Voice != "" {
		cc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		cc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		cc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		cc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cc
}

// translate maps one SDK server message to inbound events in protocol
// order: setup acknowledgement, audio parts, user then model transcription,
// interruption, turn boundary.
func translate(msg *genai.LiveServerMessage, log *slog.Logger) []live.InboundEvent {
	if msg == nil {
		return nil
	}
	var evs []live.InboundEvent
	if msg.SetupComplete != nil {
		evs = append(evs, live.Opened{})
	}
	sc := msg.ServerContent
	if sc == nil {
		return evs
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			rate, ok := audio.ParsePCMMIMEType(p.InlineData.MIMEType)
			if !ok {
				if p.InlineData.MIMEType != "" && log != nil {
					log.Debug("genailive: assuming default rate for inline data", "mime_type", p.InlineData.MIMEType)
				}
				rate = audio.OutputSampleRate
			}
			evs = append(evs, live.AudioChunk{Data: p.InlineData.Data, SampleRate: rate})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		evs = append(evs, live.TranscriptFragment{Speaker: live.SpeakerUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		evs = append(evs, live.TranscriptFragment{Speaker: live.SpeakerModel, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		evs = append(evs, live.Interrupted{})
	}
	if sc.TurnComplete {
		evs = append(evs, live.TurnComplete{})
	}
	return evs
}

// closeDetails extracts the WebSocket close code and reason the SDK's
// underlying connection reported, if any.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return 0, err.Error()
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	remote   remote
	fsm      live.StateMachine
	outbox   *live.Outbox
	events   *live.Emitter
	mimeType string
	log      *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(rs remote, cfg live.Config, outboxSize int, log *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		remote:   rs,
		outbox:   live.NewOutbox(outboxSize),
		events:   live.NewEmitter(live.DefaultEventBuffer),
		mimeType: audio.PCMMIMEType(cfg.InputSampleRate),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	_ = s.fsm.Transition(live.StateConnecting)
	go s.receiveLoop()
	go s.writeLoop()
	return s
}

// receiveLoop is the only writer of the event stream.
func (s *session) receiveLoop() {
	for {
		msg, err := s.remote.Receive()
		if err != nil {
			s.finishReceive(err)
			return
		}
		for _, ev := range translate(msg, s.log) {
			if _, ok := ev.(live.Opened); ok {
				if !s.fsm.TransitionFrom(live.StateOpen, live.StateConnecting) {
					continue
				}
				s.events.Emit(s.ctx, ev)
				s.outbox.Notify()
				continue
			}
			if s.fsm.State() != live.StateOpen {
				s.log.Debug("genailive: dropping event outside open state", "kind", ev.Kind())
				continue
			}
			s.events.Emit(s.ctx, ev)
		}
	}
}

func (s *session) finishReceive(err error) {
	if s.ctx.Err() != nil {
		s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
		s.events.Finish(live.SessionClosed{Code: websocket.CloseNormalClosure, Reason: "closed by client"})
		return
	}
	s.cancel()
	_ = s.remote.Close()

	code, reason := closeDetails(err)
	if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
		s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
		s.events.Finish(live.SessionClosed{Code: code, Reason: reason})
		return
	}
	_ = s.fsm.Transition(live.StateFailed)
	s.events.Finish(
		live.SessionError{Err: live.ClassifyError(fmt.Errorf("genailive: %w", err))},
		live.SessionClosed{Code: code, Reason: reason},
	)
}

// writeLoop drains the outbox whenever the session is Open.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.outbox.Ready():
		}
		if s.fsm.State() != live.StateOpen {
			continue
		}
		for {
			pkt, ok := s.outbox.Pop()
			if !ok {
				break
			}
			mimeType := pkt.MIMEType
			if mimeType == "" {
				mimeType = s.mimeType
			}
			err := s.remote.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{Data: pkt.Data, MIMEType: mimeType},
			})
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Debug("genailive: audio write failed", "err", err)
			}
		}
	}
}

// State implements live.Session.
func (s *session) State() live.State { return s.fsm.State() }

// Events implements live.Session.
func (s *session) Events() <-chan live.InboundEvent { return s.events.Events() }

// SendAudio implements live.Session.
func (s *session) SendAudio(pkt audio.EncodedPacket) error {
	if !s.fsm.State().AcceptsAudio() {
		return fmt.Errorf("genailive: send audio: %w", live.ErrClosing)
	}
	if err := s.outbox.Push(pkt); err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

// Close implements live.Session. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
		s.outbox.Reset()
		s.cancel()
		_ = s.remote.Close()
	})
	return nil
}
