package tts

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/companion-client/internal/companion"
)

// replyClip is about one second of 44.1kHz stereo MP3.
func replyClip(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile("testdata/reply.mp3")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeClip(t *testing.T) {
	ref := replyClip(t)
	for name, in := range map[string]string{
		"bare":     ref,
		"data_url": "data:audio/mpeg;base64," + ref,
	} {
		t.Run(name, func(t *testing.T) {
			pcm, err := DecodeClip(in)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(pcm)%2 != 0 {
				t.Fatalf("odd PCM length %d", len(pcm))
			}
			dur := time.Duration(len(pcm)/2) * time.Second / clipRate
			if dur < 900*time.Millisecond || dur > 1100*time.Millisecond {
				t.Fatalf("unexpected decoded duration %v", dur)
			}
		})
	}
}

func TestDecodeClipRejects(t *testing.T) {
	for name, in := range map[string]string{
		"empty":      "  ",
		"not_base64": "%%%",
		"not_mp3":    base64.StdEncoding.EncodeToString([]byte("hello, this is not audio")),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeClip(in); !errors.Is(err, ErrPlaybackFailed) {
				t.Fatalf("expected ErrPlaybackFailed, got %v", err)
			}
		})
	}
}

func stereoLE(pairs ...[2]int16) []byte {
	out := make([]byte, 0, 4*len(pairs))
	for _, p := range pairs {
		out = binary.LittleEndian.AppendUint16(out, uint16(p[0]))
		out = binary.LittleEndian.AppendUint16(out, uint16(p[1]))
	}
	return out
}

func samplesLE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func TestMonoResample(t *testing.T) {
	in := stereoLE([2]int16{0, 0}, [2]int16{100, 100}, [2]int16{300, 100}, [2]int16{300, 300})
	got := samplesLE(monoResample(in, 24000))
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if out := monoResample(in, 48000); len(out) != 8 {
		t.Fatalf("same-rate input should keep its length, got %d bytes", len(out))
	}
	if monoResample(nil, 44100) != nil || monoResample(in, 0) != nil {
		t.Fatalf("empty input or rate must yield nothing")
	}
}

func TestPlayClipWithoutEngine(t *testing.T) {
	sink := &fakeSink{}
	var events eventLog
	c := NewController(nil, sink, events.add)
	p, err := c.PlayClip(replyClip(t), "hello", companion.VoiceConfig{Voice: "nova"})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	waitDone(t, p)
	res := p.Result()
	if res.State != StateDone || !res.Clip || res.Text != "hello" {
		t.Fatalf("unexpected result %+v", res)
	}
	if w, f := atomic.LoadInt32(&sink.wrote), atomic.LoadInt32(&sink.flushes); w < 9 || f != 1 {
		t.Fatalf("clip not delivered in chunks: writes=%d flushes=%d", w, f)
	}
	if ev, ok := events.final(res.ID); !ok || !ev.Clip {
		t.Fatalf("missing clip event: %+v", ev)
	}
}

func TestPlayClipReplacesSpeech(t *testing.T) {
	eng := &fakeTTS{frames: 50, delay: 5 * time.Millisecond}
	c := NewController(eng, &fakeSink{}, nil)
	first, _ := c.Speak("first reply", companion.VoiceConfig{})
	time.Sleep(10 * time.Millisecond)

	clip, err := c.PlayClip(replyClip(t), "second reply", companion.VoiceConfig{})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Fatalf("speech must be finished once the clip starts")
	}
	if !first.Result().Interrupted {
		t.Fatalf("speech should be interrupted, got %+v", first.Result())
	}
	waitDone(t, clip)
	if clip.Result().State != StateDone || c.Speaking() {
		t.Fatalf("clip should finish and leave the controller idle, got %+v", clip.Result())
	}
}

func TestPlayClipUndecodableKeepsCurrent(t *testing.T) {
	eng := &fakeTTS{frames: 50, delay: 5 * time.Millisecond}
	c := NewController(eng, &fakeSink{}, nil)
	p, _ := c.Speak("still talking", companion.VoiceConfig{})

	if _, err := c.PlayClip("not audio", "", companion.VoiceConfig{}); !errors.Is(err, ErrPlaybackFailed) {
		t.Fatalf("expected ErrPlaybackFailed, got %v", err)
	}
	if !c.Speaking() || p.Result().Interrupted {
		t.Fatalf("a bad clip must not interrupt current speech")
	}
	c.Cancel()
	waitDone(t, p)
}
