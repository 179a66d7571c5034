// Package openairealtime implements live.Provider for the OpenAI Realtime API.
//
// The session speaks the Realtime WebSocket protocol: a session.update
// configures voice, instructions and PCM16 formats, captured audio is
// appended to the input buffer, and server-side VAD drives turn taking.
// Realtime audio runs at 24 kHz in both directions, so outbound 16 kHz
// capture is resampled before it is sent.
package openairealtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// Name is the registry name of this provider.
	Name = "openai-realtime"

	// SampleRate is the PCM16 rate the Realtime API uses for input and output.
	SampleRate = 24000

	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	transcriptionModel = "whisper-1"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// voices are the prebuilt Realtime voices. Session voices outside this set
// belong to another vendor and fall back to the provider voice.
var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model. The model in live.Config is ignored
// because it names a model of the primary transport.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice used when the session voice is not a Realtime
// voice.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the WebSocket endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithOutboxSize sets how many outbound packets may be buffered while the
// session is connecting.
func WithOutboxSize(n int) Option {
	return func(p *Provider) { p.outboxSize = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey     string
	model      string
	voice      string
	baseURL    string
	outboxSize int
	log        *slog.Logger
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		voice:      defaultVoice,
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

// Connect dials the Realtime endpoint and sends session.update. The returned
// session is Connecting; session.updated is delivered as live.Opened.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	cfg = cfg.WithDefaults()

	sess := &session{
		outbox:    live.NewOutbox(p.outboxSize),
		events:    live.NewEmitter(live.DefaultEventBuffer),
		resampler: audio.NewResampler(cfg.InputSampleRate, SampleRate),
		log:       p.log.With("provider", Name),
	}
	if err := sess.fsm.Transition(live.StateConnecting); err != nil {
		return nil, fmt.Errorf("openairealtime: connect: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, p.baseURL+"?model="+url.QueryEscape(p.model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		_ = sess.fsm.Transition(live.StateFailed)
		return nil, fmt.Errorf("openairealtime: dial: %w", live.ClassifyError(dialError(err, resp)))
	}
	conn.SetReadLimit(16 << 20)
	sess.conn = conn

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess.ctx, sess.cancel = sessCtx, sessCancel

	if err := sess.writeJSON(ctx, p.buildUpdate(cfg)); err != nil {
		sessCancel()
		_ = sess.fsm.Transition(live.StateFailed)
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairealtime: session update: %w", live.ClassifyError(err))
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// dialError adds the HTTP status of a rejected handshake. A 401 here is how
// the Realtime API reports a bad key.
func dialError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w (http %s: invalid api key)", err, resp.Status)
	}
	return fmt.Errorf("%w (http %s)", err, resp.Status)
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16 at 24 kHz
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fatal reports whether the error ends the session. Most Realtime errors
// reject a single client event and leave the session usable.
func (e *serverError) fatal() bool {
	switch e.Code {
	case "invalid_api_key", "session_expired", "insufficient_quota":
		return true
	}
	return live.IsStaleKeyMessage(e.Message)
}

// buildUpdate translates a live.Config into session.update. The Realtime API
// always produces a transcript alongside audio, so the text modality is
// implied.
func (p *Provider) buildUpdate(cfg live.Config) sessionUpdate {
	voice := cfg.Voice
	if !slices.Contains(voices, voice) {
		voice = p.voice
	}
	msg := sessionUpdate{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             voice,
			Instructions:      cfg.SystemInstruction,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     turnDetection{Type: "server_vad"},
		},
	}
	if cfg.InputTranscription {
		msg.Session.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	fsm       live.StateMachine
	outbox    *live.Outbox
	events    *live.Emitter
	resampler *audio.Resampler // owned by writeLoop
	log       *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairealtime: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads server events until the socket ends. It is the only
// writer of the event stream.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finishRead(err)
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("openairealtime: skipping malformed event", "err", err)
			continue
		}
		if done := s.handleEvent(&ev); done {
			return
		}
	}
}

// handleEvent dispatches one server event. It reports true when the event
// ended the session.
func (s *session) handleEvent(ev *serverEvent) bool {
	switch ev.Type {
	case "session.updated":
		if s.fsm.TransitionFrom(live.StateOpen, live.StateConnecting) {
			s.events.Emit(s.ctx, live.Opened{})
			s.outbox.Notify()
		}
		return false
	case "error":
		if ev.Error == nil {
			return false
		}
		if ev.Error.fatal() {
			s.fail(ev.Error)
			return true
		}
		s.log.Warn("openairealtime: server rejected event", "code", ev.Error.Code, "message", ev.Error.Message)
		return false
	}

	if st := s.fsm.State(); st != live.StateOpen {
		if ev.Type != "session.created" {
			s.log.Debug("openairealtime: dropping event outside open state", "type", ev.Type, "state", st)
		}
		return false
	}

	switch ev.Type {
	case "response.audio.delta":
		data, err := audio.DecodeBase64(ev.Delta)
		if err != nil {
			s.log.Debug("openairealtime: skipping undecodable audio delta", "err", err)
			return false
		}
		s.events.Emit(s.ctx, live.AudioChunk{Data: data, SampleRate: SampleRate})
	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			s.events.Emit(s.ctx, live.TranscriptFragment{Speaker: live.SpeakerModel, Text: ev.Delta})
		}
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			s.events.Emit(s.ctx, live.TranscriptFragment{Speaker: live.SpeakerUser, Text: ev.Transcript})
		}
	case "input_audio_buffer.speech_started":
		// Server VAD heard the user; any response still playing is stale.
		s.events.Emit(s.ctx, live.Interrupted{})
	case "response.done":
		s.events.Emit(s.ctx, live.TurnComplete{})
	}
	return false
}

// fail ends the session after a fatal error event.
func (s *session) fail(se *serverError) {
	msg := se.Message
	if msg == "" {
		msg = "unknown error"
	}
	if se.Code != "" {
		msg = se.Code + ": " + msg
	}
	cause := fmt.Errorf("openairealtime: %s", msg)
	if se.Code == "invalid_api_key" {
		cause = fmt.Errorf("%w: %s", live.ErrStaleKey, msg)
	}
	_ = s.fsm.Transition(live.StateFailed)
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "error received")
	s.events.Finish(
		live.SessionError{Err: live.ClassifyError(cause)},
		live.SessionClosed{Code: int(websocket.StatusNormalClosure), Reason: msg},
	)
}

// finishRead ends the event stream after the socket stopped delivering.
func (s *session) finishRead(err error) {
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
		cause = fmt.Errorf("openairealtime: %s", reason)
	}
	_ = s.fsm.Transition(live.StateFailed)
	s.events.Finish(
		live.SessionError{Err: live.ClassifyError(cause)},
		live.SessionClosed{Code: int(code), Reason: reason},
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
			if err := s.sendPacket(pkt); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Debug("openairealtime: audio write failed", "err", err)
			}
		}
	}
}

// sendPacket resamples one capture packet to 24 kHz and appends it to the
// server input buffer.
func (s *session) sendPacket(pkt audio.EncodedPacket) error {
	buf, err := audio.DecodePCM16(pkt.Data, 0, 1)
	if err != nil {
		return fmt.Errorf("openairealtime: decode packet: %w", err)
	}
	samples := s.resampler.Process(buf.Samples)
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.writeJSON(ctx, appendAudio{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBase64(audio.EncodePCM16(samples)),
	})
}

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

// SendAudio implements live.Session. Packets must be mono PCM16 at the
// session's input rate.
func (s *session) SendAudio(pkt audio.EncodedPacket) error {
	if !s.fsm.State().AcceptsAudio() {
		return fmt.Errorf("openairealtime: send audio: %w", live.ErrClosing)
	}
	if err := s.outbox.Push(pkt); err != nil {
		return fmt.Errorf("openairealtime: send audio: %w", err)
	}
	return nil
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
		if n := s.outbox.Reset(); n > 0 {
			s.log.Debug("openairealtime: discarded queued audio on close", "packets", n)
		}
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
