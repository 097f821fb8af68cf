// Package timeline keeps the ordered, append-only conversation view for one
// (user, companion) pair. It merges persisted history with optimistic local
// entries and backend replies.
package timeline

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/companion"
)

var (
	// ErrSendInProgress is returned when a send is attempted while another is pending.
	ErrSendInProgress = errors.New("send in progress")
	// ErrStaleTimeline is returned when a result targets a timeline that was
	// replaced or reloaded after the send started.
	ErrStaleTimeline = errors.New("stale timeline")
	// ErrUnknownTicket is returned for a ticket this timeline never issued.
	ErrUnknownTicket = errors.New("unknown send ticket")
)

// FallbackReply replaces an empty backend reply.
const FallbackReply = "Sorry, I didn't understand that."

// DeliveryFailedText is the body of the system note appended after a failed send.
const DeliveryFailedText = "delivery failed"

// historyNamespace seeds deterministic ids for entries expanded from history rows.
var historyNamespace = uuid.MustParse("5b3f7c1e-2d4a-4e8b-9a61-0c7d2f1e8a90")

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerCompanion Speaker = "companion"
	SpeakerSystem    Speaker = "system"
)

type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// Status is the whole-timeline state.
type Status string

const (
	StatusEmpty  Status = "empty"
	StatusLoaded Status = "loaded"
	StatusStale  Status = "stale"
)

// Entry is a single turn.
type Entry struct {
	ID      string        `json:"id"`
	Seq     uint64        `json:"seq"`
	Speaker Speaker       `json:"speaker"`
	Text    string        `json:"text,omitempty"`
	Voice   bool          `json:"voice,omitempty"`
	Audio   string        `json:"audio_ref,omitempty"`
	Image   string        `json:"image_ref,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Created time.Time     `json:"created_at"`
	State   DeliveryState `json:"delivery_state"`
}

// Ticket identifies an outstanding send.
type Ticket struct {
	EntryID string
	seq     uint64
	epoch   uint64
}

// Timeline is safe for concurrent use.
type Timeline struct {
	userID      string
	companionID string
	now         func() time.Time

	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
	status  Status
	// epoch changes on every reload so results of earlier sends are rejected.
	epoch   uint64
	pending *Ticket
}

// New creates an empty timeline for the given pair.
func New(userID, companionID string) *Timeline {
	return &Timeline{userID: userID, companionID: companionID, now: time.Now, status: StatusEmpty, nextSeq: 1}
}

func (t *Timeline) UserID() string      { return t.userID }
func (t *Timeline) CompanionID() string { return t.companionID }

// Status returns the whole-timeline state.
func (t *Timeline) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Entries returns a copy of the ordered entries.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// HasPending reports whether a send is outstanding.
func (t *Timeline) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// append assigns the next sequence number. Caller holds mu.
// History entries keep the server timestamp, which may be zero.
func (t *Timeline) append(e Entry) Entry {
	e.Seq = t.nextSeq
	t.nextSeq++
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	t.entries = append(t.entries, e)
	return e
}

func (t *Timeline) indexOf(seq uint64) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Seq == seq {
			return i
		}
	}
	return -1
}

// Begin inserts the optimistic user entry for a send. Voice entries carry no text.
func (t *Timeline) Begin(text string, voice bool) (Ticket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStale {
		return Ticket{}, ErrStaleTimeline
	}
	if t.pending != nil {
		return Ticket{}, ErrSendInProgress
	}
	e := t.append(Entry{Speaker: SpeakerUser, Text: text, Voice: voice, Created: t.now(), State: Pending})
	tk := Ticket{EntryID: e.ID, seq: e.Seq, epoch: t.epoch}
	t.pending = &tk
	log.Debug().Str("companion", t.companionID).Uint64("seq", e.Seq).Bool("voice", voice).Msg("timeline: optimistic user entry")
	return tk, nil
}

// settle validates tk against the outstanding send and clears it. Caller holds mu.
func (t *Timeline) settle(tk Ticket) (int, error) {
	if t.status == StatusStale || tk.epoch != t.epoch {
		return -1, ErrStaleTimeline
	}
	if t.pending == nil || t.pending.seq != tk.seq {
		return -1, ErrUnknownTicket
	}
	idx := t.indexOf(tk.seq)
	if idx < 0 {
		return -1, ErrUnknownTicket
	}
	t.pending = nil
	return idx, nil
}

// Confirm flips the user entry to confirmed and appends the companion reply after it.
func (t *Timeline) Confirm(tk Ticket, reply companion.Envelope) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.settle(tk)
	if err != nil {
		return Entry{}, err
	}
	t.entries[idx].State = Confirmed
	text := reply.ReplyText
	if text == "" && reply.ImageRef == "" && reply.AudioRef == "" {
		text = FallbackReply
	}
	e := t.append(Entry{
		Speaker: SpeakerCompanion,
		Text:    text,
		Image:   reply.ImageRef,
		Audio:   reply.AudioRef,
		Created: t.now(),
		State:   Confirmed,
	})
	return e, nil
}

// Fail flips the user entry to failed and appends one system note describing cause.
// The failed entry stays visible.
func (t *Timeline) Fail(tk Ticket, cause error) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.settle(tk)
	if err != nil {
		return Entry{}, err
	}
	t.entries[idx].State = Failed
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	e := t.append(Entry{Speaker: SpeakerSystem, Text: DeliveryFailedText, Detail: detail, Created: t.now(), State: Confirmed})
	return e, nil
}

// Load replaces the timeline with persisted history. Rows expand into a user
// entry then a companion entry, in backend order. Pending local state is dropped.
func (t *Timeline) Load(rows []companion.HistoryRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStale {
		return ErrStaleTimeline
	}
	if t.pending != nil {
		log.Debug().Str("companion", t.companionID).Msg("timeline: reload discards pending send")
	}
	t.pending = nil
	t.epoch++
	t.entries = make([]Entry, 0, len(rows)*2)
	t.nextSeq = 1
	for i, row := range rows {
		if row.Message != "" {
			t.append(Entry{
				ID:      t.historyID(i, SpeakerUser),
				Speaker: SpeakerUser,
				Text:    row.Message,
				Created: row.CreatedAt,
				State:   Confirmed,
			})
		}
		if row.Response != "" {
			t.append(Entry{
				ID:      t.historyID(i, SpeakerCompanion),
				Speaker: SpeakerCompanion,
				Text:    row.Response,
				Image:   row.ImageRef,
				Created: row.CreatedAt,
				State:   Confirmed,
			})
		}
	}
	t.status = StatusLoaded
	return nil
}

// historyID derives a stable id so identical history reloads give identical entries.
func (t *Timeline) historyID(row int, sp Speaker) string {
	name := t.userID + "/" + t.companionID + "/" + strconv.Itoa(row) + "/" + string(sp)
	return uuid.NewSHA1(historyNamespace, []byte(name)).String()
}

// MarkStale retires the timeline. Entries are kept untouched but every later
// mutation fails with ErrStaleTimeline.
func (t *Timeline) MarkStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStale {
		return
	}
	t.status = StatusStale
	t.pending = nil
}

func (t *Timeline) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("timeline(%s/%s, %d entries, %s)", t.userID, t.companionID, len(t.entries), t.status)
}
