package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

// Session is the coordinator surface the UI drives. *agent.Coordinator implements it.
type Session interface {
	Companions(ctx context.Context) ([]companion.Companion, error)
	CachedCompanions() []companion.Companion
	SelectCompanion(ctx context.Context, comp companion.Companion) error
	ReloadHistory(ctx context.Context) error
	SubmitText(ctx context.Context, text string) (timeline.Entry, error)
	GenerateAvatar(ctx context.Context, companionID string) (companion.Companion, error)
	Speak(text string) (*tts.Playback, error)
	ReplayEntry(entryID string) (*tts.Playback, error)
	PreviewVoice(ctx context.Context, voice string) (*tts.Playback, error)
	StopSpeaking()
	Active() (companion.Companion, bool)
	Entries() []timeline.Entry
	State() agent.State
	Logout()
}

type (
	stateMsg    struct{ state agent.State }
	timelineMsg struct {
		companionID string
		entries     []timeline.Entry
	}
	playbackMsg   struct{ ev tts.Event }
	companionsMsg struct {
		list      []companion.Companion
		err       error
		fromEvent bool
	}
	actionDoneMsg struct {
		status string
		err    error
	}
)

// Events returns coordinator callbacks that feed ch. Messages are dropped
// rather than blocking the coordinator when the UI falls behind.
func Events(ch chan<- tea.Msg) agent.Events {
	send := func(msg tea.Msg) {
		select {
		case ch <- msg:
		default:
		}
	}
	return agent.Events{
		OnTimeline: func(companionID string, entries []timeline.Entry) {
			send(timelineMsg{companionID: companionID, entries: entries})
		},
		OnState:      func(s agent.State) { send(stateMsg{state: s}) },
		OnPlayback:   func(ev tts.Event) { send(playbackMsg{ev: ev}) },
		OnCompanions: func(list []companion.Companion) { send(companionsMsg{list: list, fromEvent: true}) },
	}
}

func waitMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
