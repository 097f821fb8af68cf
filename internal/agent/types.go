package agent

import (
	"context"

	"github.com/chadiek/companion-client/internal/capture"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

// Gateway is the backend surface the coordinator needs. *transport.Client implements it.
type Gateway interface {
	SendText(ctx context.Context, userID, companionID, text string) (companion.Envelope, error)
	SendAudio(ctx context.Context, userID, companionID string, audio companion.AudioPayload) (companion.Envelope, error)
	FetchHistory(ctx context.Context, userID, companionID string) ([]companion.HistoryRow, error)
	ListCompanions(ctx context.Context, userID string) ([]companion.Companion, error)
	GenerateAvatar(ctx context.Context, userID, companionID string) (companion.Companion, error)
}

// Recorder is the capture state machine. *capture.Controller implements it.
type Recorder interface {
	Start(ctx context.Context, c capture.Constraints) error
	Stop(ctx context.Context) (companion.AudioPayload, error)
	Claim() (companion.AudioPayload, error)
	Complete()
	Discard()
	State() capture.State
	Holding() bool
}

// Speech plays replies. *tts.Controller implements it.
type Speech interface {
	Speak(text string, vc companion.VoiceConfig) (*tts.Playback, error)
	// PlayClip plays backend-supplied reply audio (base64).
	PlayClip(ref, text string, vc companion.VoiceConfig) (*tts.Playback, error)
	Cancel()
}

// PreviewGateway is implemented by gateways that can render a voice sample.
// It returns base64 audio; an empty result means the caller should synthesize.
type PreviewGateway interface {
	PreviewVoice(ctx context.Context, voice, text string) (string, error)
}

// Events are optional callbacks invoked outside the coordinator lock.
type Events struct {
	OnTimeline   func(companionID string, entries []timeline.Entry)
	OnState      func(State)
	OnPlayback   func(tts.Event)
	OnCompanions func([]companion.Companion)
}

type nopSpeech struct{}

func (nopSpeech) Speak(string, companion.VoiceConfig) (*tts.Playback, error) { return nil, nil }
func (nopSpeech) PlayClip(string, string, companion.VoiceConfig) (*tts.Playback, error) {
	return nil, nil
}
func (nopSpeech) Cancel() {}
