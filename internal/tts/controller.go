// Package tts plays companion replies through a streaming speech engine.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/companion"
)

type State string

const (
	StateQueued   State = "queued"
	StateSpeaking State = "speaking"
	StateDone     State = "done"
	StateErrored  State = "errored"
)

// Event reports a playback request's state change. Clip marks playback of
// backend-supplied audio rather than synthesis.
type Event struct {
	ID          uint64 `json:"id"`
	Text        string `json:"text"`
	Voice       Voice  `json:"voice"`
	State       State  `json:"state"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Clip        bool   `json:"clip,omitempty"`
	Err         error  `json:"-"`
}

// Playback is a handle on one speak request.
type Playback struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	ev  Event
	cut bool
}

// Done is closed when the playback has ended for any reason.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Result returns the last known state of the request.
func (p *Playback) Result() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ev
}

// Err returns the playback failure, if any, once Done is closed.
func (p *Playback) Err() error { return p.Result().Err }

func (p *Playback) interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cut
}

// Controller plays at most one utterance at a time. A new Speak replaces the
// active one. Cancel is synchronous: once it returns no more audio reaches the sink.
type Controller struct {
	engine  Engine
	sink    Sink
	onEvent func(Event)

	mu     sync.Mutex
	seq    uint64
	active *Playback
}

// NewController builds a controller. sink and onEvent may be nil.
func NewController(engine Engine, sink Sink, onEvent func(Event)) *Controller {
	if sink == nil {
		sink = nopSink{}
	}
	return &Controller{engine: engine, sink: sink, onEvent: onEvent}
}

// SetSink swaps the delivery sink, e.g. when a call attaches. Active playback is cancelled.
func (c *Controller) SetSink(s Sink) {
	c.Cancel()
	if s == nil {
		s = nopSink{}
	}
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// Speaking reports whether an utterance is active.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// source opens the PCM stream for one playback.
type source func(ctx context.Context) (<-chan []byte, <-chan error)

// Speak starts playback of text, cancelling any active utterance first.
// Engine failures are reported asynchronously through the handle and events.
func (c *Controller) Speak(text string, vc companion.VoiceConfig) (*Playback, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty utterance", ErrPlaybackFailed)
	}
	if c.engine == nil {
		return nil, fmt.Errorf("%w: no speech engine configured", ErrPlaybackFailed)
	}
	v := Clamp(vc)
	return c.start(Event{Text: text, Voice: v}, func(ctx context.Context) (<-chan []byte, <-chan error) {
		return c.engine.StreamPCM48k(ctx, text, v)
	}), nil
}

// PlayClip plays reply audio the backend already synthesized, replacing any
// active playback like Speak does. text only labels the events. Undecodable
// audio fails here, before anything is interrupted.
func (c *Controller) PlayClip(ref, text string, vc companion.VoiceConfig) (*Playback, error) {
	pcm, err := DecodeClip(ref)
	if err != nil {
		return nil, err
	}
	return c.start(Event{Text: strings.TrimSpace(text), Voice: Clamp(vc), Clip: true}, clipSource(pcm)), nil
}

func (c *Controller) start(ev Event, src source) *Playback {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	prev := c.active
	c.seq++
	ev.ID = c.seq
	ev.State = StateQueued
	p := &Playback{cancel: cancel, done: make(chan struct{}), ev: ev}
	c.active = p
	sink := c.sink
	c.mu.Unlock()

	if prev != nil {
		c.stop(prev, sink)
	}
	c.emit(p.Result())
	go c.run(ctx, p, sink, src)
	return p
}

func (c *Controller) run(ctx context.Context, p *Playback, sink Sink, src source) {
	ev := c.transition(p, StateSpeaking, nil)
	c.emit(ev)
	log.Debug().Uint64("id", ev.ID).Str("voice", ev.Voice.Name).Float64("speed", ev.Voice.Speed).Bool("clip", ev.Clip).Msg("tts: speaking")

	pcmCh, errCh := src(ctx)
	var failure error
	openPCM, openErr := true, true
	for (openPCM || openErr) && ctx.Err() == nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				pcmCh = nil
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				errCh = nil
				continue
			}
			if e != nil && failure == nil && !errors.Is(e, context.Canceled) {
				failure = e
			}
		case <-ctx.Done():
		}
	}

	var final Event
	switch {
	case p.interrupted():
		final = c.transition(p, StateDone, nil)
	case failure != nil:
		sink.Reset()
		final = c.transition(p, StateErrored, fmt.Errorf("%w: %v", ErrPlaybackFailed, failure))
		log.Error().Err(failure).Uint64("id", final.ID).Msg("tts: engine failed")
	default:
		sink.FlushTail()
		final = c.transition(p, StateDone, nil)
	}

	c.mu.Lock()
	if c.active == p {
		c.active = nil
	}
	c.mu.Unlock()
	p.cancel()
	close(p.done)
	c.emit(final)
}

func (c *Controller) transition(p *Playback, st State, err error) Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ev.State = st
	p.ev.Err = err
	p.ev.Interrupted = p.cut
	return p.ev
}

// Cancel stops the active utterance and drops queued audio. It is a no-op
// when nothing is playing and blocks until the playback goroutine exits.
// It must not be called from an event callback.
func (c *Controller) Cancel() {
	c.mu.Lock()
	p := c.active
	c.active = nil
	sink := c.sink
	c.mu.Unlock()
	if p != nil {
		c.stop(p, sink)
	}
}

func (c *Controller) stop(p *Playback, sink Sink) {
	p.mu.Lock()
	p.cut = true
	p.mu.Unlock()
	p.cancel()
	<-p.done
	sink.Reset()
	log.Debug().Uint64("id", p.Result().ID).Msg("tts: cancelled")
}

func (c *Controller) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}
