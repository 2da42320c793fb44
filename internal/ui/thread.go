package ui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/store"
	"github.com/notepid/whoseapp/internal/transport"
)

const sendTimeout = 30 * time.Second

// sentMsg reports the end of a send started from the thread.
type sentMsg struct {
	parentID string
	err      error
}

type threadModel struct {
	app      *app.App
	parentID string

	width  int
	height int

	view     viewport.Model
	input    textinput.Model
	speaking string
	status   string
	Done     bool
}

func newThreadModel(a *app.App, parentID string) (*threadModel, tea.Cmd) {
	in := textinput.New()
	in.Placeholder = "Type a message"
	in.CharLimit = 2000
	in.Focus()

	m := &threadModel{
		app:      a,
		parentID: parentID,
		view:     viewport.New(0, 0),
		input:    in,
	}
	m.refresh()
	a.RememberParent(parentID)
	return m, tea.Batch(textinput.Blink, m.load())
}

// load selects the parent in the store, which fetches its messages and
// acknowledges them.
func (m *threadModel) load() tea.Cmd {
	a, parent := m.app, m.parentID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		err := a.Store.SelectConversation(ctx, parent)
		return sentMsg{parentID: parent, err: err}
	}
}

func (m *threadModel) SetSize(w, h int) {
	m.width, m.height = w, h
	m.view.Width = w
	m.view.Height = h - 5
	m.input.Width = w - 4
	m.refresh()
}

func (m *threadModel) refresh() {
	st := m.app.Store.State()
	atBottom := m.view.AtBottom()
	m.view.SetContent(formatThread(st, m.parentID, m.width))
	if atBottom || m.view.TotalLineCount() <= m.view.Height {
		m.view.GotoBottom()
	}
}

func (m *threadModel) send(text string) tea.Cmd {
	a, parent := m.app, m.parentID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_, err := a.Responder.Converse(ctx, parent, text, model.MessageText)
		return sentMsg{parentID: parent, err: err}
	}
}

func (m *threadModel) retry() tea.Cmd {
	a, parent := m.app, m.parentID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_, err := a.Store.Retry(ctx, parent)
		return sentMsg{parentID: parent, err: err}
	}
}

func describeSendErr(err error) string {
	var conflict *store.ReconciliationConflict
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return "message rejected by the server"
	case transport.IsNetworkError(err):
		return "offline: message kept, retry with ctrl+r"
	case errors.Is(err, store.ErrNothingToRetry):
		return "nothing to retry"
	}
	return err.Error()
}

// threadAction is what the root should do after a key in a thread.
type threadAction struct {
	call string
}

func (m *threadModel) Update(msg tea.Msg) (threadAction, tea.Cmd) {
	switch msg := msg.(type) {
	case sentMsg:
		if msg.parentID == m.parentID {
			m.status = describeSendErr(msg.err)
			m.refresh()
		}
		return threadAction{}, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.Done = true
			return threadAction{}, nil
		case "enter":
			text := m.input.Value()
			if text == "" {
				return threadAction{}, nil
			}
			m.input.Reset()
			m.status = ""
			return threadAction{}, m.send(text)
		case "ctrl+r":
			return threadAction{}, m.retry()
		case "ctrl+x":
			m.app.Store.DismissError(m.parentID, "")
			m.refresh()
			return threadAction{}, nil
		case "ctrl+v":
			m.toggleVoice()
			return threadAction{}, nil
		case "ctrl+k":
			return threadAction{call: m.directCharacter()}, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return threadAction{}, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return threadAction{}, cmd
}

func (m *threadModel) toggleVoice() {
	on := !m.app.Responder.VoiceActive(m.parentID)
	if err := m.app.Responder.SetVoiceMode(m.parentID, on); err != nil {
		_, reason := m.app.Responder.VoiceMode()
		m.status = "voice mode off: " + reason
		return
	}
	if on {
		m.status = "voice mode on: speak, say \"goodbye\" to stop"
	} else {
		m.status = ""
	}
}

func (m *threadModel) directCharacter() string {
	st := m.app.Store.State()
	c, ok := st.Conversations[m.parentID]
	if !ok || c.Kind != model.KindDirect {
		return ""
	}
	for _, id := range c.ParticipantIDs {
		if id != st.PlayerID {
			return id
		}
	}
	return ""
}

func (m *threadModel) setSpeaking(characterID string) {
	m.speaking = characterID
}

func (m *threadModel) View() string {
	header := titleStyle.Render(m.app.Store.Title(m.parentID))
	if m.app.Responder.VoiceActive(m.parentID) {
		header += "  " + pendingStyle.Render("🎙 voice")
	}
	if m.speaking != "" {
		header += "  " + dimStyle.Render(m.app.Store.SenderName(m.speaking)+" is speaking…")
	}
	footer := dimStyle.Render("enter send · ctrl+r retry · ctrl+x dismiss · ctrl+v voice · ctrl+k call · esc back")
	status := ""
	if m.status != "" {
		status = errStyle.Render(m.status)
	}
	return header + "\n" + m.view.View() + "\n" + status + "\n" + m.input.View() + "\n" + footer
}
