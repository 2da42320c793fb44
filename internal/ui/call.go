package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/call"
	"github.com/notepid/whoseapp/internal/model"
)

type callModel struct {
	app *app.App
	id  string
	err string

	Done bool
}

func newCallModel(a *app.App, id string) *callModel {
	return &callModel{app: a, id: id}
}

func (m *callModel) session() (model.CallSession, bool) {
	if m.id == "" {
		if c, ok := m.app.Calls.Active(); ok {
			m.id = c.ID
			return c, true
		}
		return model.CallSession{}, false
	}
	return m.app.Calls.Get(m.id)
}

func (m *callModel) Update(msg tea.Msg) tea.Cmd {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return nil
	}
	c, ok := m.session()
	if !ok {
		if km.String() == "esc" || km.String() == "enter" || km.String() == "q" {
			m.Done = true
		}
		return nil
	}

	var err error
	switch km.String() {
	case "esc", "q":
		m.Done = true
	case "e", "x":
		_, err = m.app.Calls.EndCall(c.ID)
	case "d", "enter":
		if c.Status.Terminal() {
			err = m.app.Calls.Dismiss(c.ID)
			m.Done = true
		}
	case "m":
		_, err = m.app.Calls.SetMuted(c.ID, !c.Muted)
	case "s":
		_, err = m.app.Calls.SetSpeaker(c.ID, !c.Speaker)
	case "r":
		_, err = m.app.Calls.SetRecording(c.ID, !c.Recording)
	case "+", "=":
		_, err = m.app.Calls.SetVolume(c.ID, c.Volume+10)
	case "-":
		_, err = m.app.Calls.SetVolume(c.ID, c.Volume-10)
	}
	m.err = ""
	if err != nil {
		m.err = err.Error()
	}
	return nil
}

func (m *callModel) View() string {
	c, ok := m.session()
	if !ok {
		return "No call in progress.\n\n" + dimStyle.Render("esc back")
	}
	return renderCall(c, m.app.Store.SenderName(c.CharacterID), m.app.Calls.History(c.ID), m.err)
}

func renderCall(c model.CallSession, name string, history []model.CallStatus, errText string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(name) + "\n")
	b.WriteString(callStatusLabel(c))
	if c.Status == model.CallConnected || c.Status.Terminal() {
		b.WriteString("  " + call.FormatDuration(c.DurationSeconds))
	}
	b.WriteString("\n")
	if c.Status == model.CallFailed && c.FailureReason != "" {
		b.WriteString(errStyle.Render(c.FailureReason) + "\n")
	}
	if c.Status == model.CallConnected {
		q := c.Quality
		b.WriteString(dimStyle.Render(fmt.Sprintf("audio %.0f%% · stability %.0f%% · %dms", q.AudioQuality*100, q.ConnectionStability*100, q.LatencyMs)) + "\n")
	}
	b.WriteString(fmt.Sprintf("\nmute %s · speaker %s · recording %s · volume %d\n", onOff(c.Muted), onOff(c.Speaker), onOff(c.Recording), c.Volume))
	if len(history) > 0 {
		parts := make([]string, len(history))
		for i, s := range history {
			parts[i] = string(s)
		}
		b.WriteString(dimStyle.Render(strings.Join(parts, " → ")) + "\n")
	}
	if errText != "" {
		b.WriteString(errStyle.Render(errText) + "\n")
	}
	help := "e end · m mute · s speaker · r record · +/- volume · esc back"
	if c.Status.Terminal() {
		help = "enter dismiss · esc back"
	}
	return statusStyle.Render(b.String()) + "\n" + dimStyle.Render(help)
}
