package history_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/history/historytest"
)

func TestMemStore(t *testing.T) {
	t.Parallel()
	historytest.Run(t, func(*testing.T) history.Store { return history.NewMemStore() })
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := history.Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}
	long := strings.Repeat("ä", 200)
	got := history.Preview(long)
	if n := len([]rune(got)); n != history.PreviewLen {
		t.Errorf("preview has %d runes; want %d", n, history.PreviewLen)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("preview %q missing ellipsis", got)
	}
}

func TestRecord_Validate(t *testing.T) {
	t.Parallel()

	if err := (history.Record{SessionID: "x", Outcome: history.OutcomeClosed}).Validate(); err != nil {
		t.Errorf("valid record: %v", err)
	}
	err := (history.Record{Outcome: "weird"}).Validate()
	if err == nil || !strings.Contains(err.Error(), "session id") || !strings.Contains(err.Error(), "outcome") {
		t.Errorf("Validate = %v; want both problems", err)
	}
}
