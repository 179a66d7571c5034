// Package gemini implements live.Provider for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Outbound audio is sent as base64 PCM16 realtime input; inbound model audio,
// transcriptions and turn signals are translated into live.InboundEvent values
// in the order the server produced them.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-live"

	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model used when the session config does
// not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithOutboxSize sets how many outbound packets may be buffered while the
// session is connecting or the socket is slow.
func WithOutboxSize(n int) Option {
	return func(p *Provider) { p.outboxSize = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	outboxSize int
	log        *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
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

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned session is Connecting; the server's setupComplete is delivered as
// live.Opened.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}

	sess := &session{
		outbox: live.NewOutbox(p.outboxSize),
		events: live.NewEmitter(live.DefaultEventBuffer),
		log:    p.log.With("provider", Name),
	}
	sess.mimeType = audio.PCMMIMEType(cfg.InputSampleRate)
	if err := sess.fsm.Transition(live.StateConnecting); err != nil {
		return nil, fmt.Errorf("gemini: connect: %w", err)
	}

	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		_ = sess.fsm.Transition(live.StateFailed)
		return nil, fmt.Errorf("gemini: dial: %w", live.ClassifyError(dialError(err, resp)))
	}
	conn.SetReadLimit(16 << 20)
	sess.conn = conn

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess.ctx, sess.cancel = sessCtx, sessCancel

	if err := sess.writeJSON(ctx, buildSetup(cfg)); err != nil {
		sessCancel()
		_ = sess.fsm.Transition(live.StateFailed)
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", live.ClassifyError(err))
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// dialError enriches a failed handshake with the HTTP status, which carries
// the credential error when the key is rejected before the upgrade.
func dialError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%w (http %s)", err, resp.Status)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup translates a live.Config into the BidiGenerateContent setup.
func buildSetup(cfg live.Config) setupMessage {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := make([]string, len(cfg.ResponseModalities))
	for i, m := range cfg.ResponseModalities {
		modalities[i] = string(m)
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	fsm      live.StateMachine
	outbox   *live.Outbox
	events   *live.Emitter
	mimeType string
	log      *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only writer of the event stream and finishes it when it exits.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finishRead(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if done := s.handleServerMessage(&msg); done {
			return
		}
	}
}

// handleServerMessage dispatches one server message. It reports true when
// the message ended the session.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.fail(msg.Error)
		return true
	}
	if msg.SetupComplete != nil {
		if s.fsm.TransitionFrom(live.StateOpen, live.StateConnecting) {
			s.events.Emit(s.ctx, live.Opened{})
			s.outbox.Notify()
		}
	}
	if msg.ServerContent != nil {
		if st := s.fsm.State(); st != live.StateOpen {
			s.log.Debug("gemini: dropping content outside open state", "state", st)
			return false
		}
		s.handleServerContent(msg.ServerContent)
	}
	if msg.GoAway != nil {
		s.log.Info("gemini: server announced disconnect")
	}
	return false
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil {
				s.log.Debug("gemini: skipping undecodable audio part", "err", err)
				continue
			}
			rate, ok := audio.ParsePCMMIMEType(p.InlineData.MIMEType)
			if !ok {
				rate = audio.OutputSampleRate
			}
			if !s.events.Emit(s.ctx, live.AudioChunk{Data: data, SampleRate: rate}) {
				return
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.events.Emit(s.ctx, live.TranscriptFragment{Speaker: live.SpeakerUser, Text: sc.InputTranscription.Text}) {
			return
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.events.Emit(s.ctx, live.TranscriptFragment{Speaker: live.SpeakerModel, Text: sc.OutputTranscription.Text}) {
			return
		}
	}

	if sc.Interrupted {
		if !s.events.Emit(s.ctx, live.Interrupted{}) {
			return
		}
	}
	if sc.TurnComplete {
		s.events.Emit(s.ctx, live.TurnComplete{})
	}
}

// fail ends the session after a protocol-level error message.
func (s *session) fail(ge *geminiError) {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	if ge.Status != "" {
		msg = ge.Status + ": " + msg
	}
	err := live.ClassifyError(fmt.Errorf("gemini: %s", msg))
	_ = s.fsm.Transition(live.StateFailed)
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "error received")
	s.events.Finish(live.SessionError{Err: err}, live.SessionClosed{Code: ge.Code, Reason: msg})
}

// finishRead ends the event stream after the socket stopped delivering.
func (s *session) finishRead(err error) {
	// Local Close: the state is already Closing.
	if s.ctx.Err() != nil {
		s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
		s.events.Finish(live.SessionClosed{Code: int(websocket.StatusNormalClosure), Reason: "closed by client"})
		return
	}
	s.cancel()

	code := websocket.CloseStatus(err)
	var ce websocket.CloseError
	reason := ""
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
		s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
		s.events.Finish(live.SessionClosed{Code: int(code), Reason: reason})
		return
	}

	cause := err
	if reason != "" {
		cause = fmt.Errorf("gemini: %s", reason)
	}
	_ = s.fsm.Transition(live.StateFailed)
	s.events.Finish(
		live.SessionError{Err: live.ClassifyError(cause)},
		live.SessionClosed{Code: int(code), Reason: reason},
	)
}

// writeLoop drains the outbox whenever the session is Open. Packets queued
// while Connecting wait here until setupComplete arrives.
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
			if err := s.sendPacket(pkt); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				// Fire-and-forget: a failed write drops this packet; the read
				// side reports a broken connection.
				s.log.Debug("gemini: audio write failed", "err", err)
			}
		}
	}
}

func (s *session) sendPacket(pkt audio.EncodedPacket) error {
	mimeType := pkt.MIMEType
	if mimeType == "" {
		mimeType = s.mimeType
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &blob{MIMEType: mimeType, Data: audio.EncodeBase64(pkt.Data)},
		},
	})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// State implements live.Session.
func (s *session) State() live.State { return s.fsm.State() }

// Events implements live.Session.
func (s *session) Events() <-chan live.InboundEvent { return s.events.Events() }

// SendAudio implements live.Session.
func (s *session) SendAudio(pkt audio.EncodedPacket) error {
	if !s.fsm.State().AcceptsAudio() {
		return fmt.Errorf("gemini: send audio: %w", live.ErrClosing)
	}
	if err := s.outbox.Push(pkt); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
		if n := s.outbox.Reset(); n > 0 {
			s.log.Debug("gemini: discarded queued audio on close", "packets", n)
		}
		s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
