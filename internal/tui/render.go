package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chadiek/companion-client/internal/timeline"
)

type theme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	muted       lipgloss.Style
	speakers    map[timeline.Speaker]lipgloss.Style
}

func newTheme() theme {
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#8b8fa3")
	return theme{
		header:      lipgloss.NewStyle().Foreground(pink).Bold(true),
		panel:       lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(blue).Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(muted),
		speakers: map[timeline.Speaker]lipgloss.Style{
			timeline.SpeakerUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			timeline.SpeakerCompanion: lipgloss.NewStyle().Foreground(pink).Bold(true),
			timeline.SpeakerSystem:    lipgloss.NewStyle().Foreground(muted).Bold(true),
		},
	}
}

// entryText is the plain body of one entry, without styling.
func entryText(e timeline.Entry) string {
	var parts []string
	switch {
	case e.Text != "":
		parts = append(parts, e.Text)
	case e.Voice:
		parts = append(parts, "[voice message]")
	}
	if e.Image != "" {
		parts = append(parts, "[image: "+e.Image+"]")
	}
	if e.Audio != "" && e.Speaker == timeline.SpeakerCompanion {
		parts = append(parts, "[audio]")
	}
	switch e.State {
	case timeline.Pending:
		parts = append(parts, "…")
	case timeline.Failed:
		parts = append(parts, "(not delivered)")
	}
	if e.Detail != "" && e.Speaker == timeline.SpeakerSystem {
		parts = append(parts, "("+e.Detail+")")
	}
	return strings.Join(parts, " ")
}

func renderEntries(th theme, entries []timeline.Entry, width int) string {
	if len(entries) == 0 {
		return th.muted.Render("no messages yet")
	}
	body := lipgloss.NewStyle().Width(maxInt(10, width-2))
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		label := string(e.Speaker)
		style, ok := th.speakers[e.Speaker]
		if !ok {
			style = th.muted
		}
		b.WriteString(style.Render(label) + "\n")
		b.WriteString(body.Render(entryText(e)))
		b.WriteString("\n")
	}
	return b.String()
}
