package timeline

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/chadiek/companion-client/internal/companion"
)

func newTestTimeline() *Timeline {
	tl := New("u1", "c1")
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	tl.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }
	return tl
}

func pendingCount(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.State == Pending {
			n++
		}
	}
	return n
}

func TestSendConfirmed(t *testing.T) {
	tl := newTestTimeline()
	tk, err := tl.Begin("hello", false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := tl.Entries(); len(got) != 1 || got[0].State != Pending {
		t.Fatalf("expected one pending entry, got %+v", got)
	}
	if _, err := tl.Confirm(tk, companion.Envelope{ReplyText: "hi there"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got := tl.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Speaker != SpeakerUser || got[0].Text != "hello" || got[0].State != Confirmed {
		t.Fatalf("unexpected user entry: %+v", got[0])
	}
	if got[1].Speaker != SpeakerCompanion || got[1].Text != "hi there" {
		t.Fatalf("unexpected companion entry: %+v", got[1])
	}
	if got[0].Seq >= got[1].Seq {
		t.Fatalf("user seq %d must precede reply seq %d", got[0].Seq, got[1].Seq)
	}
}

func TestSendFailed(t *testing.T) {
	tl := newTestTimeline()
	tk, _ := tl.Begin("hello", false)
	if _, err := tl.Fail(tk, errors.New("unreachable")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got := tl.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].State != Failed || got[0].Text != "hello" {
		t.Fatalf("user entry should stay visible as failed: %+v", got[0])
	}
	if got[1].Speaker != SpeakerSystem || got[1].Text != DeliveryFailedText || got[1].Detail != "unreachable" {
		t.Fatalf("unexpected system note: %+v", got[1])
	}
}

func TestSecondSendRejectedWhilePending(t *testing.T) {
	tl := newTestTimeline()
	if _, err := tl.Begin("one", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tl.Begin("two", false); !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("expected ErrSendInProgress, got %v", err)
	}
	if n := pendingCount(tl.Entries()); n != 1 {
		t.Fatalf("expected exactly one pending entry, got %d", n)
	}
}

func TestTerminalStateNeverReverts(t *testing.T) {
	tl := newTestTimeline()
	tk, _ := tl.Begin("hello", false)
	if _, err := tl.Confirm(tk, companion.Envelope{ReplyText: "ok"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := tl.Fail(tk, errors.New("late")); !errors.Is(err, ErrUnknownTicket) {
		t.Fatalf("expected ErrUnknownTicket on second settle, got %v", err)
	}
	if got := tl.Entries(); got[0].State != Confirmed || len(got) != 2 {
		t.Fatalf("timeline mutated by second settle: %+v", got)
	}
}

func TestEmptyReplyUsesFallback(t *testing.T) {
	tl := newTestTimeline()
	tk, _ := tl.Begin("hello", false)
	e, err := tl.Confirm(tk, companion.Envelope{})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if e.Text != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", e.Text)
	}

	tk, _ = tl.Begin("draw me", false)
	e, _ = tl.Confirm(tk, companion.Envelope{ImageRef: "https://img/1.png"})
	if e.Text != "" || e.Image != "https://img/1.png" {
		t.Fatalf("image-only reply should keep empty text: %+v", e)
	}
}

func TestLoadExpandsRowsInBackendOrder(t *testing.T) {
	tl := newTestTimeline()
	rows := []companion.HistoryRow{
		{Message: "a", Response: "b"},
		{Response: "c"},
	}
	if err := tl.Load(rows); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := tl.Entries()
	want := []struct {
		sp   Speaker
		text string
	}{{SpeakerUser, "a"}, {SpeakerCompanion, "b"}, {SpeakerCompanion, "c"}}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Speaker != w.sp || got[i].Text != w.text {
			t.Fatalf("entry %d: got %s:%q want %s:%q", i, got[i].Speaker, got[i].Text, w.sp, w.text)
		}
		if i > 0 && got[i].Seq <= got[i-1].Seq {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
	if tl.Status() != StatusLoaded {
		t.Fatalf("expected loaded status, got %s", tl.Status())
	}
}

func TestLoadDoesNotSortByTimestamp(t *testing.T) {
	tl := newTestTimeline()
	late := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = tl.Load([]companion.HistoryRow{
		{Message: "first", CreatedAt: late},
		{Message: "second", CreatedAt: early},
	})
	got := tl.Entries()
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("backend order must be kept: %+v", got)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	tl := newTestTimeline()
	rows := []companion.HistoryRow{
		{Message: "a", Response: "b", ImageRef: "https://img/b.png"},
		{Response: "c"},
	}
	_ = tl.Load(rows)
	first := tl.Entries()
	_ = tl.Load(rows)
	second := tl.Entries()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reload changed timeline:\n%+v\n%+v", first, second)
	}
}

func TestLoadDiscardsPendingAndRejectsLateResult(t *testing.T) {
	tl := newTestTimeline()
	tk, _ := tl.Begin("hello", false)
	_ = tl.Load([]companion.HistoryRow{{Message: "old", Response: "reply"}})
	if n := pendingCount(tl.Entries()); n != 0 {
		t.Fatalf("pending entry survived reload")
	}
	if _, err := tl.Confirm(tk, companion.Envelope{ReplyText: "late"}); !errors.Is(err, ErrStaleTimeline) {
		t.Fatalf("expected ErrStaleTimeline, got %v", err)
	}
	if len(tl.Entries()) != 2 {
		t.Fatalf("late reply must not be appended")
	}
	if _, err := tl.Begin("again", false); err != nil {
		t.Fatalf("send after reload should be allowed: %v", err)
	}
}

func TestStaleTimelineRejectsMutations(t *testing.T) {
	tl := newTestTimeline()
	_ = tl.Load([]companion.HistoryRow{{Message: "a", Response: "b"}})
	tk, _ := tl.Begin("hello", false)
	tl.MarkStale()
	tl.MarkStale()
	before := tl.Entries()
	if _, err := tl.Confirm(tk, companion.Envelope{ReplyText: "late"}); !errors.Is(err, ErrStaleTimeline) {
		t.Fatalf("expected ErrStaleTimeline, got %v", err)
	}
	if _, err := tl.Begin("x", false); !errors.Is(err, ErrStaleTimeline) {
		t.Fatalf("expected ErrStaleTimeline on begin, got %v", err)
	}
	if err := tl.Load(nil); !errors.Is(err, ErrStaleTimeline) {
		t.Fatalf("expected ErrStaleTimeline on load, got %v", err)
	}
	if !reflect.DeepEqual(before, tl.Entries()) {
		t.Fatalf("stale timeline entries changed")
	}
}

func TestVoiceEntry(t *testing.T) {
	tl := newTestTimeline()
	tk, _ := tl.Begin("", true)
	_, _ = tl.Confirm(tk, companion.Envelope{ReplyText: "heard you", AudioRef: "YmFzZTY0"})
	got := tl.Entries()
	if !got[0].Voice || got[0].Text != "" {
		t.Fatalf("unexpected voice entry: %+v", got[0])
	}
	if got[1].Audio != "YmFzZTY0" {
		t.Fatalf("reply audio not kept: %+v", got[1])
	}
}

func TestOrderHoldsAcrossManySends(t *testing.T) {
	tl := newTestTimeline()
	for i := 0; i < 20; i++ {
		tk, err := tl.Begin("msg", false)
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if n := pendingCount(tl.Entries()); n != 1 {
			t.Fatalf("pending count %d at send %d", n, i)
		}
		if i%3 == 0 {
			_, _ = tl.Fail(tk, errors.New("x"))
		} else {
			_, _ = tl.Confirm(tk, companion.Envelope{ReplyText: "r"})
		}
		if n := pendingCount(tl.Entries()); n != 0 {
			t.Fatalf("pending count %d after send %d", n, i)
		}
	}
	got := tl.Entries()
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("sequence not strictly increasing at %d", i)
		}
	}
}
