package tts

import (
	"context"
	"errors"
	"math"

	"github.com/chadiek/companion-client/internal/companion"
)

// ErrPlaybackFailed wraps every engine or sink failure surfaced by the controller.
var ErrPlaybackFailed = errors.New("playback failed")

// Parameter bounds applied to every playback request.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
	MinPitch = 0.5
	MaxPitch = 1.5
)

// Voice is the resolved, clamped voice configuration handed to an engine.
type Voice struct {
	Name  string
	Speed float64
	Pitch float64
}

// Engine streams 48kHz PCM mono (s16le) audio for the given text.
// Both channels are closed when the stream ends.
type Engine interface {
	StreamPCM48k(ctx context.Context, text string, v Voice) (<-chan []byte, <-chan error)
}

// Sink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately.
	Reset()
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}

// Clamp resolves a companion voice configuration into engine parameters.
// Zero or NaN values fall back to the defaults before clamping.
func Clamp(vc companion.VoiceConfig) Voice {
	v := Voice{Name: vc.Voice, Speed: vc.Speed, Pitch: vc.Pitch}
	if v.Name == "" {
		v.Name = companion.DefaultVoice
	}
	v.Speed = clamp(v.Speed, companion.DefaultSpeed, MinSpeed, MaxSpeed)
	v.Pitch = clamp(v.Pitch, companion.DefaultPitch, MinPitch, MaxPitch)
	return v
}

func clamp(x, def, lo, hi float64) float64 {
	if x == 0 || math.IsNaN(x) {
		x = def
	}
	return math.Max(lo, math.Min(hi, x))
}
