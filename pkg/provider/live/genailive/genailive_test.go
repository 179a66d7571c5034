package genailive

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// fakeRemote is a scripted stand-in for *genai.Session.
type fakeRemote struct {
	msgs chan *genai.LiveServerMessage
	errs chan error

	mu     sync.Mutex
	sent   []genai.LiveRealtimeInput
	closed bool
	done   chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		msgs: make(chan *genai.LiveServerMessage, 16),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (f *fakeRemote) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return nil
}

func (f *fakeRemote) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeRemote) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startSession(t *testing.T) (*session, *fakeRemote) {
	t.Helper()
	rs := newFakeRemote()
	s := newSession(rs, live.DefaultConfig(), 8, slog.Default())
	t.Cleanup(func() { _ = s.Close() })
	return s, rs
}

func next(t *testing.T, s *session) (live.InboundEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil, false
	}
}

func kindsUntilClosed(t *testing.T, s *session) []string {
	t.Helper()
	var out []string
	for {
		ev, ok := next(t, s)
		if !ok {
			return out
		}
		out = append(out, ev.Kind())
	}
}

func TestBuildConnectConfig(t *testing.T) {
	t.Parallel()

	cfg := live.DefaultConfig()
	cfg.Voice = "Puck"
	cfg.SystemInstruction = "hello"
	cc := buildConnectConfig(cfg)

	if len(cc.ResponseModalities) != 1 || cc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", cc.ResponseModalities)
	}
	if cc.SpeechConfig == nil || cc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("speech config = %+v", cc.SpeechConfig)
	}
	if cc.SystemInstruction == nil || cc.SystemInstruction.Parts[0].Text != "hello" {
		t.Errorf("system instruction = %+v", cc.SystemInstruction)
	}
	if cc.InputAudioTranscription == nil || cc.OutputAudioTranscription == nil {
		t.Error("transcription configs not set")
	}

	bare := buildConnectConfig(live.Config{ResponseModalities: []live.Modality{live.ModalityText}})
	if bare.SpeechConfig != nil || bare.SystemInstruction != nil || bare.InputAudioTranscription != nil {
		t.Errorf("unexpected optional fields in %+v", bare)
	}
}

func TestTranslate_Order(t *testing.T) {
	t.Parallel()

	msg := &genai.LiveServerMessage{
		SetupComplete: &genai.LiveServerSetupComplete{},
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 0}, MIMEType: "audio/pcm;rate=24000"}},
				{Text: "thinking"},
				{InlineData: &genai.Blob{Data: []byte{2, 0}, MIMEType: "audio/pcm;rate=16000"}},
				nil,
			}},
			InputTranscription:  &genai.Transcription{Text: "Hel"},
			OutputTranscription: &genai.Transcription{Text: "Hi"},
			Interrupted:         true,
			TurnComplete:        true,
		},
	}
	evs := translate(msg, nil)
	want := []string{"opened", "audio", "audio", "fragment", "fragment", "interrupted", "turn_complete"}
	if len(evs) != len(want) {
		t.Fatalf("got %d events; want %d", len(evs), len(want))
	}
	for i, ev := range evs {
		if ev.Kind() != want[i] {
			t.Errorf("event %d = %s; want %s", i, ev.Kind(), want[i])
		}
	}
	if c := evs[2].(live.AudioChunk); c.SampleRate != 16000 {
		t.Errorf("second chunk rate = %d; want 16000", c.SampleRate)
	}
	if f := evs[3].(live.TranscriptFragment); f.Speaker != live.SpeakerUser {
		t.Errorf("first fragment speaker = %v; want user", f.Speaker)
	}

	if got := translate(nil, nil); got != nil {
		t.Errorf("translate(nil) = %v", got)
	}
}

func TestSession_OpensAndFlushesQueuedAudio(t *testing.T) {
	t.Parallel()

	s, rs := startSession(t)
	for i := range 3 {
		if err := s.SendAudio(audio.EncodedPacket{Data: []byte{byte(i), 0}}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if n := rs.sentCount(); n != 0 {
		t.Fatalf("sent %d packets before open", n)
	}

	rs.msgs <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	if ev, ok := next(t, s); !ok || ev.Kind() != "opened" {
		t.Fatalf("first event = %v; want opened", ev)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rs.sentCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("flushed %d of 3 packets", rs.sentCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, in := range rs.sent {
		if in.Audio == nil || in.Audio.Data[0] != byte(i) || in.Audio.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("packet %d = %+v", i, in.Audio)
		}
	}
}

func TestSession_RemoteFailure(t *testing.T) {
	t.Parallel()

	s, rs := startSession(t)
	rs.msgs <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	opened, _ := next(t, s)
	rs.errs <- &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "Requested entity was not found."}

	evs := []live.InboundEvent{opened}
	for {
		ev, ok := next(t, s)
		if !ok {
			break
		}
		evs = append(evs, ev)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events; want opened, error, closed", len(evs))
	}
	if se, ok := evs[1].(live.SessionError); !ok || !errors.Is(se, live.ErrStaleKey) {
		t.Errorf("event 1 = %v; want stale-key SessionError", evs[1])
	}
	if c := evs[2].(live.SessionClosed); c.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d", c.Code)
	}
	if got := s.State(); got != live.StateFailed {
		t.Errorf("State() = %v; want failed", got)
	}
}

func TestSession_RemoteNormalClose(t *testing.T) {
	t.Parallel()

	s, rs := startSession(t)
	rs.msgs <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	opened, _ := next(t, s)
	rs.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "done"}

	got := append([]string{opened.Kind()}, kindsUntilClosed(t, s)...)
	if len(got) != 2 || got[0] != "opened" || got[1] != "closed" {
		t.Errorf("events = %v; want [opened closed]", got)
	}
	if st := s.State(); st != live.StateClosed {
		t.Errorf("State() = %v; want closed", st)
	}
}

func TestSession_LocalClose(t *testing.T) {
	t.Parallel()

	s, rs := startSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SendAudio(audio.EncodedPacket{Data: []byte{0, 0}}); !errors.Is(err, live.ErrClosing) {
		t.Errorf("SendAudio after Close = %v; want ErrClosing", err)
	}
	got := kindsUntilClosed(t, s)
	if len(got) != 1 || got[0] != "closed" {
		t.Errorf("events = %v; want [closed]", got)
	}
	if !rs.closed {
		t.Error("remote not closed")
	}
	if st := s.State(); st != live.StateClosed {
		t.Errorf("State() = %v; want closed", st)
	}
}

func TestSession_DropsContentBeforeOpen(t *testing.T) {
	t.Parallel()

	s, rs := startSession(t)
	rs.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
	rs.msgs <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}

	if ev, ok := next(t, s); !ok || ev.Kind() != "opened" {
		t.Fatalf("first event = %v; want opened", ev)
	}
}
