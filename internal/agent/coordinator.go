// Package agent orchestrates one logged-in user's conversation: which
// companion is active, capture, transport, timeline and reply playback.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/capture"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

var (
	ErrNoCompanion  = errors.New("no companion selected")
	ErrEmptyMessage = errors.New("empty message")
	ErrBusy         = errors.New("another operation is in progress")
	ErrNoCapture    = errors.New("no finished recording")
	ErrClosed       = errors.New("session closed")
	ErrUnknownEntry = errors.New("no such companion reply")
	// ErrNoPreview is returned when the gateway cannot render voice samples.
	ErrNoPreview = errors.New("voice preview unavailable")
)

// PreviewText is spoken by voice previews.
const PreviewText = "Hello! This is how I sound."

type State string

const (
	StateNoCompanion    State = "noCompanionSelected"
	StateIdle           State = "idle"
	StateCapturing      State = "capturing"
	StateSendingText    State = "sendingText"
	StateSendingAudio   State = "sendingAudio"
	StateLoadingHistory State = "loadingHistory"
)

// Config holds the per-login settings.
type Config struct {
	UserID      string
	Constraints capture.Constraints
	Events      Events
	// OnLogout runs once after the session is torn down, e.g. to drop a cached credential.
	OnLogout func()
}

// Coordinator is constructed once per login and torn down by Logout.
// It never holds its lock across device, encoder, network or synthesis calls.
type Coordinator struct {
	userID      string
	constraints capture.Constraints
	gw          Gateway
	rec         Recorder
	speech      Speech
	events      Events
	onLogout    func()

	mu         sync.Mutex
	state      State
	closed     bool
	active     *companion.Companion
	tl         *timeline.Timeline
	companions []companion.Companion
	// op identifies the operation that owns the current state; a completion
	// whose op was superseded leaves the state alone.
	op uint64
}

// New builds a coordinator. rec and speech may be nil on hosts without audio.
func New(cfg Config, gw Gateway, rec Recorder, speech Speech) *Coordinator {
	if rec == nil {
		rec = capture.NewController(nil, nil)
	}
	if speech == nil {
		speech = nopSpeech{}
	}
	return &Coordinator{
		userID:      cfg.UserID,
		constraints: cfg.Constraints,
		gw:          gw,
		rec:         rec,
		speech:      speech,
		events:      cfg.Events,
		onLogout:    cfg.OnLogout,
		state:       StateNoCompanion,
	}
}

func (c *Coordinator) UserID() string { return c.userID }

// State returns the coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the selected companion.
func (c *Coordinator) Active() (companion.Companion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return companion.Companion{}, false
	}
	return *c.active, true
}

// Timeline returns the current timeline, or nil when no companion is selected.
func (c *Coordinator) Timeline() *timeline.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl
}

// Entries returns the active timeline's entries.
func (c *Coordinator) Entries() []timeline.Entry {
	if tl := c.Timeline(); tl != nil {
		return tl.Entries()
	}
	return nil
}

// CachedCompanions returns the last fetched companion list.
func (c *Coordinator) CachedCompanions() []companion.Companion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]companion.Companion(nil), c.companions...)
}

// ObservePlayback forwards a speech event to the listeners.
func (c *Coordinator) ObservePlayback(ev tts.Event) {
	if c.events.OnPlayback != nil {
		c.events.OnPlayback(ev)
	}
}

// SelectCompanion makes comp active and loads its history. Selecting the
// active companion again is a no-op. Capture and playback are cancelled, and
// the previous timeline is retired so late results for it are dropped.
func (c *Coordinator) SelectCompanion(ctx context.Context, comp companion.Companion) error {
	if err := comp.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.active != nil && c.active.ID == comp.ID {
		c.mu.Unlock()
		log.Debug().Str("companion", comp.ID).Msg("agent: companion already selected")
		return nil
	}
	if old := c.tl; old != nil {
		old.MarkStale()
	}
	tl := timeline.New(c.userID, comp.ID)
	c.tl = tl
	c.active = &comp
	c.state = StateLoadingHistory
	c.op++
	op := c.op
	c.mu.Unlock()

	c.rec.Discard()
	c.speech.Cancel()
	log.Info().Str("companion", comp.ID).Str("name", comp.Name).Msg("agent: companion selected")
	c.emitState(StateLoadingHistory)
	c.emitTimeline(tl)

	return c.loadHistory(ctx, tl, op)
}

// ReloadHistory refetches the active companion's history.
func (c *Coordinator) ReloadHistory(ctx context.Context) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	tl := c.tl
	c.state = StateLoadingHistory
	c.op++
	op := c.op
	c.mu.Unlock()
	c.emitState(StateLoadingHistory)
	return c.loadHistory(ctx, tl, op)
}

func (c *Coordinator) loadHistory(ctx context.Context, tl *timeline.Timeline, op uint64) error {
	rows, err := c.gw.FetchHistory(ctx, c.userID, tl.CompanionID())
	if err == nil {
		err = tl.Load(rows)
		if errors.Is(err, timeline.ErrStaleTimeline) {
			log.Debug().Str("companion", tl.CompanionID()).Msg("agent: history arrived for a retired timeline")
			return nil
		}
	}
	c.finish(op)
	if err != nil {
		log.Error().Err(err).Str("companion", tl.CompanionID()).Msg("agent: history load failed")
		return fmt.Errorf("load history: %w", err)
	}
	log.Debug().Str("companion", tl.CompanionID()).Int("rows", len(rows)).Msg("agent: history loaded")
	c.emitTimeline(tl)
	return nil
}

// readyLocked checks that an operation may start. Caller holds mu.
func (c *Coordinator) readyLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.tl == nil:
		return ErrNoCompanion
	case c.state == StateSendingText || c.state == StateSendingAudio:
		return timeline.ErrSendInProgress
	case c.state != StateIdle:
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	return nil
}

// finish returns to idle if op still owns the state.
func (c *Coordinator) finish(op uint64) {
	c.mu.Lock()
	changed := false
	if c.op == op && !c.closed && c.state != StateIdle {
		c.state = StateIdle
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.emitState(StateIdle)
	}
}

// SubmitText sends a typed message and returns the companion's reply entry.
// Transport failures leave a failed user entry plus a system note and are returned.
func (c *Coordinator) SubmitText(ctx context.Context, text string) (timeline.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return timeline.Entry{}, ErrEmptyMessage
	}
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		c.guard("submit_text", err)
		return timeline.Entry{}, err
	}
	tl, comp := c.tl, *c.active
	tk, err := tl.Begin(text, false)
	if err != nil {
		c.mu.Unlock()
		c.guard("submit_text", err)
		return timeline.Entry{}, err
	}
	c.state = StateSendingText
	c.op++
	op := c.op
	c.mu.Unlock()
	c.emitState(StateSendingText)
	c.emitTimeline(tl)

	env, sendErr := c.gw.SendText(ctx, c.userID, comp.ID, text)
	return c.settle(tl, tk, comp, op, env, sendErr)
}

// StartCapture acquires the microphone. Playback is cancelled first.
func (c *Coordinator) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		c.guard("start_capture", err)
		return err
	}
	c.state = StateCapturing
	c.op++
	op := c.op
	c.mu.Unlock()
	c.speech.Cancel()
	c.emitState(StateCapturing)

	if err := c.rec.Start(ctx, c.constraints); err != nil {
		c.finish(op)
		return err
	}
	c.mu.Lock()
	superseded := c.op != op || c.state != StateCapturing || c.closed
	c.mu.Unlock()
	if superseded {
		// The operation was abandoned while the device opened; the handle must not outlive it.
		c.rec.Discard()
		return fmt.Errorf("start capture: %w", timeline.ErrStaleTimeline)
	}
	return nil
}

// StopCapture finalizes the recording. The result stays ready for
// SubmitCapturedAudio or DiscardCapture.
func (c *Coordinator) StopCapture(ctx context.Context) (companion.AudioPayload, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return companion.AudioPayload{}, ErrClosed
	}
	if c.state != StateCapturing {
		c.mu.Unlock()
		return companion.AudioPayload{}, ErrNoCapture
	}
	switch st := c.rec.State(); st {
	case capture.StateRecording:
	case capture.StateAcquiring:
		c.mu.Unlock()
		return companion.AudioPayload{}, fmt.Errorf("%w: microphone still opening", ErrNoCapture)
	default:
		c.mu.Unlock()
		return companion.AudioPayload{}, fmt.Errorf("%w: recorder is %s", ErrNoCapture, st)
	}
	op := c.op
	c.mu.Unlock()

	p, err := c.rec.Stop(ctx)
	if err != nil {
		c.finish(op)
		log.Warn().Err(err).Msg("agent: capture stop failed")
		return companion.AudioPayload{}, err
	}
	return p, nil
}

// DiscardCapture abandons any recording and releases the device.
func (c *Coordinator) DiscardCapture() {
	c.rec.Discard()
	c.mu.Lock()
	changed := false
	if c.state == StateCapturing {
		c.state = StateIdle
		c.op++
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.emitState(StateIdle)
	}
}

// SubmitCapturedAudio sends the ready recording and returns the reply entry.
func (c *Coordinator) SubmitCapturedAudio(ctx context.Context) (timeline.Entry, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return timeline.Entry{}, ErrClosed
	case c.tl == nil:
		c.mu.Unlock()
		return timeline.Entry{}, ErrNoCompanion
	case c.state != StateCapturing || c.rec.State() != capture.StateReady:
		c.mu.Unlock()
		return timeline.Entry{}, ErrNoCapture
	}
	tl, comp := c.tl, *c.active
	payload, err := c.rec.Claim()
	if err != nil {
		c.mu.Unlock()
		return timeline.Entry{}, fmt.Errorf("%w: %v", ErrNoCapture, err)
	}
	tk, err := tl.Begin("", true)
	if err != nil {
		c.mu.Unlock()
		c.rec.Discard()
		c.guard("submit_audio", err)
		return timeline.Entry{}, err
	}
	c.state = StateSendingAudio
	c.op++
	op := c.op
	c.mu.Unlock()
	c.emitState(StateSendingAudio)
	c.emitTimeline(tl)

	env, sendErr := c.gw.SendAudio(ctx, c.userID, comp.ID, payload)
	c.rec.Complete()
	return c.settle(tl, tk, comp, op, env, sendErr)
}

// settle applies a send result to the timeline it was issued against.
func (c *Coordinator) settle(tl *timeline.Timeline, tk timeline.Ticket, comp companion.Companion, op uint64, env companion.Envelope, sendErr error) (timeline.Entry, error) {
	var (
		entry     timeline.Entry
		settleErr error
	)
	if sendErr != nil {
		entry, settleErr = tl.Fail(tk, sendErr)
	} else {
		entry, settleErr = tl.Confirm(tk, env)
	}
	c.finish(op)

	if settleErr != nil {
		log.Warn().Err(settleErr).Str("companion", comp.ID).Msg("agent: discarding result for a superseded send")
		return timeline.Entry{}, settleErr
	}
	c.emitTimeline(tl)
	if sendErr != nil {
		log.Error().Err(sendErr).Str("companion", comp.ID).Msg("agent: send failed")
		return entry, sendErr
	}
	c.autoPlay(comp, entry)
	return entry, nil
}

func (c *Coordinator) autoPlay(comp companion.Companion, entry timeline.Entry) {
	vc := comp.VoiceOrDefault()
	if !vc.AutoPlayEnabled() {
		return
	}
	if _, err := c.play(entry, vc); err != nil {
		log.Warn().Err(err).Str("companion", comp.ID).Msg("agent: auto-play failed")
	}
}

// play prefers the reply audio the backend sent and synthesizes the text
// when there is none or it cannot be decoded.
func (c *Coordinator) play(entry timeline.Entry, vc companion.VoiceConfig) (*tts.Playback, error) {
	if entry.Audio != "" {
		p, err := c.speech.PlayClip(entry.Audio, entry.Text, vc)
		if err == nil {
			return p, nil
		}
		log.Warn().Err(err).Str("entry", entry.ID).Msg("agent: reply audio unplayable, synthesizing")
	}
	if strings.TrimSpace(entry.Text) == "" {
		return nil, nil
	}
	return c.speech.Speak(entry.Text, vc)
}

// Speak plays text in the active companion's voice, e.g. replaying an entry.
func (c *Coordinator) Speak(text string) (*tts.Playback, error) {
	comp, ok := c.Active()
	if !ok {
		return nil, ErrNoCompanion
	}
	return c.speech.Speak(text, comp.VoiceOrDefault())
}

// ReplayEntry plays a companion reply from the active timeline again, using
// its reply audio when the backend sent some. Auto-play settings do not apply.
func (c *Coordinator) ReplayEntry(entryID string) (*tts.Playback, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.active == nil || c.tl == nil {
		c.mu.Unlock()
		return nil, ErrNoCompanion
	}
	comp, tl := *c.active, c.tl
	c.mu.Unlock()

	for _, e := range tl.Entries() {
		if e.ID != entryID {
			continue
		}
		if e.Speaker != timeline.SpeakerCompanion {
			return nil, fmt.Errorf("%w: %s is a %s entry", ErrUnknownEntry, entryID, e.Speaker)
		}
		return c.play(e, comp.VoiceOrDefault())
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
}

// PreviewVoice plays a short sample of voice, rendered by the backend when it
// supports previews and synthesized locally otherwise. The active companion's
// speed and pitch apply when one is selected.
func (c *Coordinator) PreviewVoice(ctx context.Context, voice string) (*tts.Playback, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return nil, fmt.Errorf("%w: no voice named", ErrNoPreview)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	vc := companion.Companion{}.VoiceOrDefault()
	if c.active != nil {
		vc = c.active.VoiceOrDefault()
	}
	c.mu.Unlock()
	vc.Voice = voice

	pv, ok := c.gw.(PreviewGateway)
	if !ok {
		return nil, ErrNoPreview
	}
	audio, err := pv.PreviewVoice(ctx, voice, PreviewText)
	if err != nil {
		return nil, fmt.Errorf("preview voice: %w", err)
	}
	return c.play(timeline.Entry{ID: "preview", Text: PreviewText, Audio: audio}, vc)
}

// StopSpeaking cancels playback.
func (c *Coordinator) StopSpeaking() { c.speech.Cancel() }

// Companions refreshes the companion directory.
func (c *Coordinator) Companions(ctx context.Context) ([]companion.Companion, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	list, err := c.gw.ListCompanions(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("list companions: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.companions = list
	if c.active != nil {
		for _, comp := range list {
			if comp.ID == c.active.ID {
				updated := comp
				c.active = &updated
				break
			}
		}
	}
	c.mu.Unlock()
	c.emitCompanions(list)
	return list, nil
}

// GenerateAvatar requests a new avatar, caches it and refreshes the directory.
// The timeline is never touched.
func (c *Coordinator) GenerateAvatar(ctx context.Context, companionID string) (companion.Companion, error) {
	if c.isClosed() {
		return companion.Companion{}, ErrClosed
	}
	prev := c.setAvatar(companionID, nil)
	updated, err := c.gw.GenerateAvatar(ctx, c.userID, companionID)
	if err != nil {
		c.setAvatar(companionID, &prev)
		return companion.Companion{}, fmt.Errorf("generate avatar: %w", err)
	}
	c.setAvatar(companionID, &updated.Avatar)
	if _, err := c.Companions(ctx); err != nil {
		log.Warn().Err(err).Msg("agent: companion refresh after avatar generation failed")
	}
	return updated, nil
}

// setAvatar caches an avatar for companionID; nil marks it pending. It returns the previous value.
func (c *Coordinator) setAvatar(companionID string, a *companion.Avatar) companion.Avatar {
	next := companion.Avatar{State: companion.AvatarPending}
	if a != nil {
		next = *a
	}
	prev, found := companion.Avatar{State: companion.AvatarAbsent}, false
	c.mu.Lock()
	for i := range c.companions {
		if c.companions[i].ID == companionID {
			prev, found = c.companions[i].Avatar, true
			c.companions[i].Avatar = next
		}
	}
	if c.active != nil && c.active.ID == companionID {
		if !found {
			prev = c.active.Avatar
		}
		updated := *c.active
		updated.Avatar = next
		c.active = &updated
	}
	list := append([]companion.Companion(nil), c.companions...)
	c.mu.Unlock()
	c.emitCompanions(list)
	return prev
}

// Logout tears the session down. The microphone is released, playback is
// stopped and every later call fails with ErrClosed.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.tl != nil {
		c.tl.MarkStale()
	}
	c.tl = nil
	c.active = nil
	c.companions = nil
	c.state = StateNoCompanion
	c.op++
	c.mu.Unlock()

	c.rec.Discard()
	c.speech.Cancel()
	log.Info().Str("user", c.userID).Msg("agent: logged out")
	c.emitState(StateNoCompanion)
	if c.onLogout != nil {
		c.onLogout()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// guard logs contract violations that callers should not trigger.
func (c *Coordinator) guard(op string, err error) {
	if errors.Is(err, timeline.ErrSendInProgress) || errors.Is(err, timeline.ErrStaleTimeline) {
		log.Warn().Err(err).Str("op", op).Msg("agent: ignoring request")
	}
}

func (c *Coordinator) emitState(s State) {
	if c.events.OnState != nil {
		c.events.OnState(s)
	}
}

func (c *Coordinator) emitTimeline(tl *timeline.Timeline) {
	if c.events.OnTimeline != nil {
		c.events.OnTimeline(tl.CompanionID(), tl.Entries())
	}
}

func (c *Coordinator) emitCompanions(list []companion.Companion) {
	if c.events.OnCompanions != nil {
		c.events.OnCompanions(list)
	}
}
