// Package tui is a terminal chat front end for one companion session.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

type model struct {
	sess    Session
	inbound <-chan tea.Msg
	timeout time.Duration

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme

	width, height int
	state         agent.State
	entries       []timeline.Entry
	companions    []companion.Companion
	speaking      bool
	status        string
	lastErr       error
}

// New builds the program model. inbound carries coordinator events, see Events.
func New(sess Session, inbound <-chan tea.Msg, timeout time.Duration) tea.Model {
	return newModel(sess, inbound, timeout)
}

func newModel(sess Session, inbound <-chan tea.Msg, timeout time.Duration) model {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Say something, or /use <name> to pick a companion"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	tl := viewport.New(0, 0)
	tl.MouseWheelEnabled = true

	return model{
		sess:     sess,
		inbound:  inbound,
		timeout:  timeout,
		input:    input,
		timeline: tl,
		spinner:  sp,
		theme:    newTheme(),
		state:    sess.State(),
		entries:  sess.Entries(),
		status:   "loading companions...",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.listCmd(), waitMsg(m.inbound))
}

// busy reports whether a send or history load is outstanding.
func (m model) busy() bool {
	switch m.state {
	case agent.StateSendingText, agent.StateSendingAudio, agent.StateLoadingHistory:
		return true
	}
	return false
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			m.sess.StopSpeaking()
			return m, nil
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			if name, arg, ok := command(line); ok {
				return m, m.runCommand(name, arg)
			}
			if _, ok := m.sess.Active(); !ok {
				m.status = "select a companion first (/use <name>)"
				return m, nil
			}
			m.lastErr = nil
			return m, m.sendCmd(line)
		}
	case stateMsg:
		m.state = msg.state
		cmds = append(cmds, waitMsg(m.inbound))
	case timelineMsg:
		if comp, ok := m.sess.Active(); ok && comp.ID == msg.companionID {
			m.entries = msg.entries
			m.layout()
		}
		cmds = append(cmds, waitMsg(m.inbound))
	case playbackMsg:
		m.speaking = msg.ev.State == tts.StateQueued || msg.ev.State == tts.StateSpeaking
		if msg.ev.Err != nil {
			m.status = "playback failed: " + msg.ev.Err.Error()
		}
		cmds = append(cmds, waitMsg(m.inbound))
	case companionsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.companions = msg.list
			if _, ok := m.sess.Active(); !ok {
				m.status = fmt.Sprintf("%d companions · /use <name> to start", len(msg.list))
			}
		}
		if msg.fromEvent {
			cmds = append(cmds, waitMsg(m.inbound))
		}
	case actionDoneMsg:
		m.lastErr = msg.err
		if msg.status != "" {
			m.status = msg.status
		}
		m.entries = m.sess.Entries()
		m.state = m.sess.State()
		m.layout()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) layout() {
	w := maxInt(20, m.width-4)
	h := maxInt(5, m.height-7)
	atBottom := m.timeline.AtBottom()
	m.timeline.Width = w
	m.timeline.Height = h
	m.input.Width = maxInt(10, w-4)
	m.timeline.SetContent(renderEntries(m.theme, m.entries, w))
	if atBottom || m.timeline.YOffset == 0 {
		m.timeline.GotoBottom()
	}
}

func (m model) View() string {
	header := m.renderHeader()
	body := m.theme.panel.Render(m.timeline.View())
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.input.View(), footer)
}

func (m model) renderHeader() string {
	name := "no companion"
	if comp, ok := m.sess.Active(); ok {
		name = comp.Name
		if comp.Avatar.State == companion.AvatarPending {
			name += " (avatar pending)"
		}
	}
	right := string(m.state)
	if m.speaking {
		right += " · speaking"
	}
	return m.theme.header.Render(name) + "  " + m.theme.muted.Render(right)
}

func (m model) renderFooter() string {
	line := m.status
	if m.busy() {
		line = m.spinner.View() + " " + line
	}
	if m.lastErr != nil {
		return m.theme.errorStatus.Render("error: " + m.lastErr.Error())
	}
	return m.theme.status.Render(line)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
