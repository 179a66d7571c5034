// Package history stores finished session transcripts.
//
// The session controller hands each session with a non-empty transcript to a
// [Store] exactly once, when the session ends. Stores are append-mostly: a
// record is written once and read back for listing and display.
package history

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/livevox/internal/transcript"
)

// ErrNotFound is returned by [Store.Get] for an unknown session ID.
var ErrNotFound = errors.New("history: record not found")

// Outcome describes how a session ended.
type Outcome string

const (
	// OutcomeStopped means the user stopped the session.
	OutcomeStopped Outcome = "stopped"

	// OutcomeClosed means the remote closed the session cleanly.
	OutcomeClosed Outcome = "closed"

	// OutcomeFailed means the session ended with an error.
	OutcomeFailed Outcome = "failed"
)

// IsValid reports whether o is a known outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeStopped, OutcomeClosed, OutcomeFailed:
		return true
	}
	return false
}

// Record is the persisted form of one session.
type Record struct {
	SessionID string             `json:"session_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Outcome   Outcome            `json:"outcome"`
	Reason    string             `json:"reason,omitempty"`
	Entries   []transcript.Entry `json:"entries"`
}

// Summary is a list view of a [Record].
type Summary struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	Entries   int       `json:"entries"`
	Preview   string    `json:"preview"`
}

// PreviewLen is the maximum number of runes in [Summary.Preview].
const PreviewLen = 80

// Preview shortens text to [PreviewLen] runes.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLen-1]) + "…"
}

// Summarize returns the list view of r.
func Summarize(r Record) Summary {
	s := Summary{
		SessionID: r.SessionID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Outcome:   r.Outcome,
		Entries:   len(r.Entries),
	}
	if len(r.Entries) > 0 {
		s.Preview = Preview(r.Entries[0].Text)
	}
	return s
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	var errs []error
	if r.SessionID == "" {
		errs = append(errs, errors.New("history: session id is required"))
	}
	if !r.Outcome.IsValid() {
		errs = append(errs, errors.New("history: unknown outcome "+string(r.Outcome)))
	}
	return errors.Join(errs...)
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save writes r, replacing any record with the same session ID.
	Save(ctx context.Context, r Record) error

	// List returns up to limit summaries, most recently ended first. A
	// non-positive limit returns every record.
	List(ctx context.Context, limit int) ([]Summary, error)

	// Get returns the full record for sessionID or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (Record, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
