// Package historytest provides a behavioural test suite shared by every
// history.Store implementation.
package historytest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// Record returns a record with two entries ending n minutes after a fixed
// base time.
func Record(id string, n int) history.Record {
	ended := base.Add(time.Duration(n) * time.Minute)
	return history.Record{
		SessionID: id,
		StartedAt: ended.Add(-30 * time.Second),
		EndedAt:   ended,
		Outcome:   history.OutcomeStopped,
		Entries: []transcript.Entry{
			{Speaker: live.SpeakerUser, Text: fmt.Sprintf("hello from %s", id), At: ended.Add(-20 * time.Second)},
			{Speaker: live.SpeakerModel, Text: "hi there", At: ended.Add(-10 * time.Second)},
		},
	}
}

// Run exercises store. newStore must return an empty store; it is called
// once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) history.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStore(t)
		want := Record("sess-a", 1)
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Get(ctx, "sess-a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SessionID != want.SessionID || got.Outcome != want.Outcome {
			t.Errorf("Get = %+v; want %+v", got, want)
		}
		if !got.StartedAt.Equal(want.StartedAt) || !got.EndedAt.Equal(want.EndedAt) {
			t.Errorf("times = %v..%v; want %v..%v", got.StartedAt, got.EndedAt, want.StartedAt, want.EndedAt)
		}
		if len(got.Entries) != len(want.Entries) {
			t.Fatalf("entries = %d; want %d", len(got.Entries), len(want.Entries))
		}
		for i := range want.Entries {
			g, w := got.Entries[i], want.Entries[i]
			if g.Speaker != w.Speaker || g.Text != w.Text || !g.At.Equal(w.At) {
				t.Errorf("entry %d = %+v; want %+v", i, g, w)
			}
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, history.ErrNotFound) {
			t.Errorf("Get(missing) = %v; want ErrNotFound", err)
		}
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := newStore(t)
		r := Record("sess-r", 1)
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
		r.Outcome = history.OutcomeFailed
		r.Reason = "boom"
		r.Entries = r.Entries[:1]
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("second Save: %v", err)
		}
		got, err := s.Get(ctx, "sess-r")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Outcome != history.OutcomeFailed || got.Reason != "boom" || len(got.Entries) != 1 {
			t.Errorf("Get = %+v; want replaced record", got)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"old", "newest", "middle"} {
			n := map[string]int{"old": 1, "middle": 2, "newest": 3}[id]
			if err := s.Save(ctx, Record(id, n)); err != nil {
				t.Fatalf("Save #%d: %v", i, err)
			}
		}
		all, err := s.List(ctx, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		var ids []string
		for _, sum := range all {
			ids = append(ids, sum.SessionID)
		}
		if got := strings.Join(ids, ","); got != "newest,middle,old" {
			t.Errorf("List order = %s; want newest,middle,old", got)
		}
		if all[0].Entries != 2 || all[0].Preview != "hello from newest" {
			t.Errorf("summary = %+v", all[0])
		}

		two, err := s.List(ctx, 2)
		if err != nil {
			t.Fatalf("List(2): %v", err)
		}
		if len(two) != 2 {
			t.Errorf("List(2) returned %d", len(two))
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, history.Record{Outcome: history.OutcomeClosed}); err == nil {
			t.Error("Save without session id succeeded")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
