package transcript_test

import (
	"testing"
	"time"

	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

var fixed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAssembler() *transcript.Assembler {
	return transcript.NewAssembler(transcript.WithClock(func() time.Time { return fixed }))
}

func TestAssembler_UserBeforeModel(t *testing.T) {
	t.Parallel()

	a := newAssembler()
	a.OnFragment(live.SpeakerModel, "Hi")
	a.OnFragment(live.SpeakerUser, "He")
	a.OnFragment(live.SpeakerUser, "llo")

	added := a.OnTurnComplete()
	want := []transcript.Entry{
		{Speaker: live.SpeakerUser, Text: "Hello", At: fixed},
		{Speaker: live.SpeakerModel, Text: "Hi", At: fixed},
	}
	if len(added) != len(want) {
		t.Fatalf("added %d entries; want %d", len(added), len(want))
	}
	for i := range want {
		if added[i] != want[i] {
			t.Errorf("entry %d = %+v; want %+v", i, added[i], want[i])
		}
	}
	if got := a.Transcript(); len(got) != 2 {
		t.Errorf("Transcript() has %d entries; want 2", len(got))
	}
	if p := a.Pending(); !p.Empty() {
		t.Errorf("Pending() = %+v after turn; want empty", p)
	}
}

func TestAssembler_EmptyTurnIsNoOp(t *testing.T) {
	t.Parallel()

	a := newAssembler()
	if added := a.OnTurnComplete(); len(added) != 0 {
		t.Errorf("added %v; want none", added)
	}
	a.OnFragment(live.SpeakerUser, "   ")
	a.OnFragment(live.SpeakerModel, "\n")
	if added := a.OnTurnComplete(); len(added) != 0 {
		t.Errorf("whitespace turn added %v; want none", added)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d; want 0", a.Len())
	}
}

func TestAssembler_TrimsOnlyAtBoundary(t *testing.T) {
	t.Parallel()

	a := newAssembler()
	a.OnFragment(live.SpeakerModel, " Sure, ")
	a.OnFragment(live.SpeakerModel, "thing. ")

	if got := a.Pending().Model; got != " Sure, thing. " {
		t.Errorf("Pending().Model = %q; want untrimmed text", got)
	}
	added := a.OnTurnComplete()
	if len(added) != 1 || added[0].Text != "Sure, thing." || added[0].Speaker != live.SpeakerModel {
		t.Errorf("added = %+v", added)
	}
}

func TestAssembler_SingleSpeakerTurns(t *testing.T) {
	t.Parallel()

	a := newAssembler()
	a.OnFragment(live.SpeakerModel, "Welcome!")
	a.OnTurnComplete()
	a.OnFragment(live.SpeakerUser, "Thanks")
	a.OnTurnComplete()

	got := a.Transcript()
	if len(got) != 2 || got[0].Speaker != live.SpeakerModel || got[1].Speaker != live.SpeakerUser {
		t.Errorf("transcript = %+v", got)
	}
}

func TestAssembler_TranscriptIsACopy(t *testing.T) {
	t.Parallel()

	a := newAssembler()
	a.OnFragment(live.SpeakerUser, "one")
	a.OnTurnComplete()

	snap := a.Transcript()
	snap[0].Text = "mutated"
	if got := a.Transcript()[0].Text; got != "one" {
		t.Errorf("transcript mutated through copy: %q", got)
	}
}
