// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive the inbound event stream from the test and inspect which
// packets the caller sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	sess, _ := p.Connect(ctx, live.DefaultConfig())
//	m := p.LastSession()
//	m.Push(live.TranscriptFragment{Speaker: live.SpeakerUser, Text: "hi"})
//	m.Fail(errors.New("boom"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// eventBuffer is large enough that scripted tests never block.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// Sessions are handed out by Connect in order. When exhausted, Connect
	// creates a fresh Session.
	Sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes Connect open the session (emitting live.Opened)
	// before returning it.
	AutoOpen bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Name implements live.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns the next scripted Session.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.mu.Unlock()
		return nil, err
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	} else {
		s = NewSession()
	}
	p.last = s
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if autoOpen {
		s.Open()
	}
	return s, nil
}

// LastSession returns the session most recently returned by Connect.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a scripted live.Session. It starts Connecting; the test drives
// it with Open, Push, Fail and RemoteClose.
type Session struct {
	mu       sync.Mutex
	fsm      live.StateMachine
	events   chan live.InboundEvent
	finished bool

	// SendErr, if non-nil, is returned by SendAudio after recording the call.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	// SendAudioCalls records every accepted packet in order.
	SendAudioCalls []audio.EncodedPacket

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession returns a Session in live.StateConnecting.
func NewSession() *Session {
	s := &Session{events: make(chan live.InboundEvent, eventBuffer)}
	_ = s.fsm.Transition(live.StateConnecting)
	return s
}

// Open transitions to live.StateOpen and emits live.Opened.
func (s *Session) Open() {
	if s.fsm.TransitionFrom(live.StateOpen, live.StateConnecting) {
		s.Push(live.Opened{})
	}
}

// Push delivers evs in order without blocking. It reports false once the
// stream has ended or the buffer is full.
func (s *Session) Push(evs ...live.InboundEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	for _, ev := range evs {
		select {
		case s.events <- ev:
		default:
			return false
		}
	}
	return true
}

// Fail ends the session with err: live.SessionError then live.SessionClosed.
func (s *Session) Fail(err error) {
	_ = s.fsm.Transition(live.StateFailed)
	s.finish(live.SessionError{Err: err}, live.SessionClosed{Code: 1011, Reason: err.Error()})
}

// RemoteClose ends the session as if the remote closed it cleanly.
func (s *Session) RemoteClose(code int, reason string) {
	s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen)
	s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
	s.finish(live.SessionClosed{Code: code, Reason: reason})
}

func (s *Session) finish(evs ...live.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	for _, ev := range evs {
		select {
		case s.events <- ev:
		default:
		}
	}
	close(s.events)
}

// Sent returns a copy of SendAudioCalls.
func (s *Session) Sent() []audio.EncodedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedPacket(nil), s.SendAudioCalls...)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// State implements live.Session.
func (s *Session) State() live.State { return s.fsm.State() }

// Events implements live.Session.
func (s *Session) Events() <-chan live.InboundEvent { return s.events }

// SendAudio implements live.Session.
func (s *Session) SendAudio(pkt audio.EncodedPacket) error {
	if !s.fsm.State().AcceptsAudio() {
		return live.ErrClosing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, pkt)
	return s.SendErr
}

// Close implements live.Session. The stream ends with live.SessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseErr
	s.mu.Unlock()

	if s.fsm.TransitionFrom(live.StateClosing, live.StateConnecting, live.StateOpen) {
		s.fsm.TransitionFrom(live.StateClosed, live.StateClosing)
	}
	s.finish(live.SessionClosed{Code: 1000, Reason: "closed by client"})
	return err
}
