package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

var errUnknownCompanion = errors.New("no such companion")

const helpText = "/use <name|id> · /companions · /avatar · /reload · /say <text> · /play · /preview <voice> · /stop · /quit"

func (m model) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// command parses a slash command. ok is false for plain chat text.
func command(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func (m model) runCommand(name, arg string) tea.Cmd {
	switch name {
	case "quit", "exit", "q":
		return tea.Quit
	case "help", "?":
		return done(helpText, nil)
	case "companions", "list":
		return m.listCmd()
	case "use", "select":
		if arg == "" {
			return done("usage: /use <name|id>", nil)
		}
		return m.selectCmd(arg)
	case "avatar":
		return m.avatarCmd()
	case "reload":
		return m.reloadCmd()
	case "say":
		return m.sayCmd(arg)
	case "play":
		return m.playCmd()
	case "preview":
		if arg == "" {
			return done("usage: /preview <voice>", nil)
		}
		return m.previewCmd(arg)
	case "stop":
		m.sess.StopSpeaking()
		return done("playback stopped", nil)
	}
	return done("unknown command /"+name+" · "+helpText, nil)
}

func done(status string, err error) tea.Cmd {
	return func() tea.Msg { return actionDoneMsg{status: status, err: err} }
}

func (m model) listCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		list, err := m.sess.Companions(ctx)
		return companionsMsg{list: list, err: err}
	}
}

// findCompanion matches an id exactly, then a name case-insensitively.
func findCompanion(list []companion.Companion, key string) (companion.Companion, bool) {
	for _, c := range list {
		if c.ID == key {
			return c, true
		}
	}
	for _, c := range list {
		if strings.EqualFold(c.Name, key) {
			return c, true
		}
	}
	return companion.Companion{}, false
}

func (m model) selectCmd(key string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		comp, ok := findCompanion(m.sess.CachedCompanions(), key)
		if !ok {
			list, err := m.sess.Companions(ctx)
			if err != nil {
				return actionDoneMsg{err: err}
			}
			if comp, ok = findCompanion(list, key); !ok {
				return actionDoneMsg{err: fmt.Errorf("%w: %s", errUnknownCompanion, key)}
			}
		}
		if err := m.sess.SelectCompanion(ctx, comp); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "now talking to " + comp.Name}
	}
}

func (m model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		if _, err := m.sess.SubmitText(ctx, text); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "reply received"}
	}
}

func (m model) avatarCmd() tea.Cmd {
	return func() tea.Msg {
		comp, ok := m.sess.Active()
		if !ok {
			return actionDoneMsg{status: "select a companion first (/use)"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
		defer cancel()
		updated, err := m.sess.GenerateAvatar(ctx, comp.ID)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "avatar: " + updated.Avatar.URL}
	}
}

func (m model) reloadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		if err := m.sess.ReloadHistory(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "history reloaded"}
	}
}

func (m model) sayCmd(text string) tea.Cmd {
	if text == "" {
		// Replay the last companion line.
		entries := m.sess.Entries()
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Speaker == timeline.SpeakerCompanion && entries[i].Text != "" {
				text = entries[i].Text
				break
			}
		}
	}
	if text == "" {
		return done("nothing to say", nil)
	}
	return func() tea.Msg {
		return played(m.sess.Speak(text))
	}
}

// playCmd replays the last companion reply, with the backend's audio when it sent some.
func (m model) playCmd() tea.Cmd {
	entries := m.sess.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Speaker == timeline.SpeakerCompanion {
			id := entries[i].ID
			return func() tea.Msg { return played(m.sess.ReplayEntry(id)) }
		}
	}
	return done("no reply to play", nil)
}

func (m model) previewCmd(voice string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.ctx()
		defer cancel()
		return played(m.sess.PreviewVoice(ctx, voice))
	}
}

func played(p *tts.Playback, err error) tea.Msg {
	switch {
	case err != nil:
		return actionDoneMsg{err: err}
	case p == nil:
		return actionDoneMsg{status: "no audio output"}
	}
	return actionDoneMsg{status: "speaking"}
}
