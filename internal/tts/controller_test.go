package tts

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/companion-client/internal/companion"
)

// fakeTTS emits frames chunks, pausing between them, or fails with err.
type fakeTTS struct {
	frames int
	delay  time.Duration
	err    error

	mu     sync.Mutex
	voices []Voice
	sent   int32
}

func (f *fakeTTS) StreamPCM48k(ctx context.Context, text string, v Voice) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.voices = append(f.voices, v)
	f.mu.Unlock()
	pcm := make(chan []byte, 10)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		if f.err != nil {
			errc <- f.err
			return
		}
		for i := 0; i < f.frames; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.delay):
			}
			select {
			case pcm <- []byte{1, 0, 2, 0}:
				atomic.AddInt32(&f.sent, 1)
			case <-ctx.Done():
				return
			}
		}
	}()
	return pcm, errc
}

func (f *fakeTTS) lastVoice() Voice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voices[len(f.voices)-1]
}

type fakeSink struct {
	wrote   int32
	flushes int32
	resets  int32
}

func (s *fakeSink) WritePCM(p []byte) { atomic.AddInt32(&s.wrote, 1) }
func (s *fakeSink) FlushTail()        { atomic.AddInt32(&s.flushes, 1) }
func (s *fakeSink) Reset()            { atomic.AddInt32(&s.resets, 1) }

type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) add(ev Event) { l.mu.Lock(); l.evs = append(l.evs, ev); l.mu.Unlock() }
func (l *eventLog) final(id uint64) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.evs) - 1; i >= 0; i-- {
		if l.evs[i].ID == id {
			return l.evs[i], true
		}
	}
	return Event{}, false
}

func waitDone(t *testing.T, p *Playback) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatalf("playback %d did not finish", p.Result().ID)
	}
}

func TestSpeakPlaysToCompletion(t *testing.T) {
	eng := &fakeTTS{frames: 3}
	sink := &fakeSink{}
	var events eventLog
	c := NewController(eng, sink, events.add)

	p, err := c.Speak("hello there", companion.VoiceConfig{Voice: "nova", Speed: 1.2})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitDone(t, p)
	if got := atomic.LoadInt32(&sink.wrote); got != 3 {
		t.Fatalf("expected 3 writes, got %d", got)
	}
	if atomic.LoadInt32(&sink.flushes) != 1 {
		t.Fatalf("expected tail flush after natural completion")
	}
	res := p.Result()
	if res.State != StateDone || res.Interrupted || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if c.Speaking() {
		t.Fatalf("controller still speaking")
	}
	if ev, ok := events.final(res.ID); !ok || ev.State != StateDone {
		t.Fatalf("missing done event: %+v", ev)
	}
}

func TestSpeakLatestWins(t *testing.T) {
	eng := &fakeTTS{frames: 50, delay: 5 * time.Millisecond}
	sink := &fakeSink{}
	c := NewController(eng, sink, nil)

	first, _ := c.Speak("first reply", companion.VoiceConfig{})
	time.Sleep(15 * time.Millisecond)
	second, err := c.Speak("second reply", companion.VoiceConfig{})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Fatalf("first playback must be finished once the second starts")
	}
	if r := first.Result(); r.State != StateDone || !r.Interrupted {
		t.Fatalf("first should be interrupted, got %+v", r)
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("sink not reset on replacement")
	}
	c.Cancel()
	waitDone(t, second)
	if !second.Result().Interrupted {
		t.Fatalf("second should be interrupted by cancel")
	}
}

func TestCancelIsSynchronous(t *testing.T) {
	eng := &fakeTTS{frames: 100, delay: 2 * time.Millisecond}
	sink := &fakeSink{}
	c := NewController(eng, sink, nil)
	p, _ := c.Speak("a long reply", companion.VoiceConfig{})
	time.Sleep(10 * time.Millisecond)
	c.Cancel()
	select {
	case <-p.Done():
	default:
		t.Fatalf("cancel returned before playback ended")
	}
	wrote := atomic.LoadInt32(&sink.wrote)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&sink.wrote) != wrote {
		t.Fatalf("audio written after cancel returned")
	}
	if atomic.LoadInt32(&sink.flushes) != 0 {
		t.Fatalf("cancelled playback must not flush its tail")
	}
}

func TestCancelWithNothingPlayingIsNoop(t *testing.T) {
	sink := &fakeSink{}
	c := NewController(&fakeTTS{}, sink, nil)
	c.Cancel()
	c.Cancel()
	if atomic.LoadInt32(&sink.resets) != 0 {
		t.Fatalf("idle cancel touched the sink")
	}
}

func TestEngineFailureDoesNotBlockNextSpeak(t *testing.T) {
	eng := &fakeTTS{err: errors.New("unsupported voice")}
	c := NewController(eng, &fakeSink{}, nil)
	p, err := c.Speak("hello", companion.VoiceConfig{Voice: "bogus"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitDone(t, p)
	if !errors.Is(p.Err(), ErrPlaybackFailed) || p.Result().State != StateErrored {
		t.Fatalf("expected errored playback, got %+v", p.Result())
	}

	eng.err = nil
	eng.frames = 1
	p2, err := c.Speak("again", companion.VoiceConfig{})
	if err != nil {
		t.Fatalf("second speak: %v", err)
	}
	waitDone(t, p2)
	if p2.Result().State != StateDone {
		t.Fatalf("second playback should succeed, got %+v", p2.Result())
	}
}

func TestSpeakRejectsEmptyAndMissingEngine(t *testing.T) {
	if _, err := NewController(&fakeTTS{}, nil, nil).Speak("   ", companion.VoiceConfig{}); !errors.Is(err, ErrPlaybackFailed) {
		t.Fatalf("expected ErrPlaybackFailed for empty text, got %v", err)
	}
	if _, err := NewController(nil, nil, nil).Speak("hi", companion.VoiceConfig{}); !errors.Is(err, ErrPlaybackFailed) {
		t.Fatalf("expected ErrPlaybackFailed without engine, got %v", err)
	}
}

func TestSpeakClampsVoice(t *testing.T) {
	eng := &fakeTTS{frames: 1}
	c := NewController(eng, nil, nil)
	p, _ := c.Speak("hi", companion.VoiceConfig{Speed: 9, Pitch: 0.1})
	waitDone(t, p)
	v := eng.lastVoice()
	if v.Speed != MaxSpeed || v.Pitch != MinPitch || v.Name != companion.DefaultVoice {
		t.Fatalf("unexpected engine voice: %+v", v)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		name         string
		in           companion.VoiceConfig
		speed, pitch float64
	}{
		{"defaults", companion.VoiceConfig{}, 1.0, 1.0},
		{"in range", companion.VoiceConfig{Speed: 1.5, Pitch: 0.8}, 1.5, 0.8},
		{"too high", companion.VoiceConfig{Speed: 5, Pitch: 3}, 2.0, 1.5},
		{"too low", companion.VoiceConfig{Speed: 0.1, Pitch: -1}, 0.5, 0.5},
		{"nan", companion.VoiceConfig{Speed: math.NaN(), Pitch: math.NaN()}, 1.0, 1.0},
		{"inf", companion.VoiceConfig{Speed: math.Inf(1), Pitch: math.Inf(-1)}, 2.0, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Clamp(tc.in)
			if v.Speed != tc.speed || v.Pitch != tc.pitch {
				t.Fatalf("got speed=%v pitch=%v want %v %v", v.Speed, v.Pitch, tc.speed, tc.pitch)
			}
		})
	}
}
