// Package transcript turns the two incremental transcription streams of a
// live session (what the user said, what the model said) into an ordered
// list of finalized turn entries.
//
// Fragments accumulate per speaker until a turn boundary. At the boundary
// both accumulators are trimmed and every non-empty one becomes an [Entry],
// user before model, and both are cleared. Nothing is ever appended between
// boundaries, so the transcript only grows in whole turns.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevox/pkg/provider/live"
)

// Entry is one finalized utterance. Entries are immutable once appended.
type Entry struct {
	Speaker live.Speaker `json:"speaker"`
	Text    string       `json:"text"`
	At      time.Time    `json:"at"`
}

// Pending is a snapshot of the in-progress turn.
type Pending struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// Empty reports whether neither speaker has accumulated any text.
func (p Pending) Empty() bool { return p.User == "" && p.Model == "" }

// Option configures an [Assembler].
type Option func(*Assembler)

// WithClock sets the time source used to stamp entries. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// Assembler accumulates fragments and finalizes them at turn boundaries. It
// is safe for concurrent use.
type Assembler struct {
	now func() time.Time

	mu         sync.Mutex
	user       strings.Builder
	model      strings.Builder
	transcript []Entry
}

// NewAssembler returns an empty Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnFragment appends text to the accumulator for speaker. Text is stored
// verbatim; whitespace between fragments is the remote's responsibility.
func (a *Assembler) OnFragment(speaker live.Speaker, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case live.SpeakerUser:
		a.user.WriteString(text)
	case live.SpeakerModel:
		a.model.WriteString(text)
	}
}

// OnTurnComplete finalizes the current turn and returns the entries it
// appended (zero, one or two). Both accumulators are cleared.
func (a *Assembler) OnTurnComplete() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	at := a.now()
	var added []Entry
	if text := strings.TrimSpace(a.user.String()); text != "" {
		added = append(added, Entry{Speaker: live.SpeakerUser, Text: text, At: at})
	}
	if text := strings.TrimSpace(a.model.String()); text != "" {
		added = append(added, Entry{Speaker: live.SpeakerModel, Text: text, At: at})
	}
	a.user.Reset()
	a.model.Reset()
	a.transcript = append(a.transcript, added...)
	return added
}

// Transcript returns a copy of every finalized entry in order.
func (a *Assembler) Transcript() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.transcript...)
}

// Pending returns the untrimmed text accumulated since the last boundary.
func (a *Assembler) Pending() Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Pending{User: a.user.String(), Model: a.model.String()}
}

// Len returns the number of finalized entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transcript)
}
