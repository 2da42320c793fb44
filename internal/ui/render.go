package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	playerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11")).Padding(0, 1)
	statusStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 2)
)

var presenceMarks = map[model.Presence]string{
	model.PresenceOnline:  "●",
	model.PresenceAway:    "◐",
	model.PresenceBusy:    "◍",
	model.PresenceOffline: "○",
}

func presenceMark(p model.Presence) string {
	if m, ok := presenceMarks[p]; ok {
		return m
	}
	return presenceMarks[model.PresenceOffline]
}

// relTime renders a list timestamp relative to now.
func relTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2")
	}
}

// formatMessage renders one thread line.
func formatMessage(st store.State, m model.Message) string {
	ts := m.Timestamp.Local().Format("15:04")
	switch m.Type {
	case model.MessageSystem, model.MessageActionUpdate:
		return systemStyle.Render(fmt.Sprintf("%s  * %s", ts, m.Content))
	}
	name := st.SenderName(m.SenderID)
	style := senderStyle
	if m.SenderID == st.PlayerID {
		style = playerStyle
	}
	prefix := ""
	if m.Type == model.MessageVoice {
		prefix = "🎙 "
	}
	line := fmt.Sprintf("%s  %s %s%s", dimStyle.Render(ts), style.Render(name+":"), prefix, m.Content)
	switch m.Status {
	case model.StatusPending:
		line += pendingStyle.Render(" …")
	case model.StatusUnconfirmed:
		line += pendingStyle.Render(" (not delivered, ctrl+r to retry)")
	}
	return line
}

// formatThread renders a whole thread, error markers last.
func formatThread(st store.State, parentID string, width int) string {
	var b strings.Builder
	wrap := lipgloss.NewStyle().Width(width)
	for _, m := range st.Messages(parentID) {
		b.WriteString(wrap.Render(formatMessage(st, m)))
		b.WriteString("\n")
	}
	for _, e := range st.ParentErrors(parentID) {
		b.WriteString(errStyle.Render(fmt.Sprintf("✗ not sent: %q (%v) ctrl+r retry, ctrl+x dismiss", truncate(e.Content, 40), e.Err)))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func callStatusLabel(c model.CallSession) string {
	switch c.Status {
	case model.CallInitiating:
		return "Calling…"
	case model.CallRinging:
		return "Ringing…"
	case model.CallConnected:
		return "Connected"
	case model.CallEnded:
		return "Call Ended"
	case model.CallFailed:
		return "Call Failed"
	}
	return string(c.Status)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
