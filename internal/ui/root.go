// Package ui is the terminal front end: conversation list, threads, the
// call screen and the new conversation form.
package ui

import (
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/store"
)

type screen int

const (
	screenHome screen = iota
	screenThread
	screenCall
	screenCompose
)

// updateMsg carries a broker update into the bubbletea loop.
type updateMsg chat.Update

type Model struct {
	app *app.App

	sub       *chat.Subscriber
	done      chan struct{}
	closeOnce sync.Once

	width  int
	height int

	active screen
	banner string
	err    error

	home    *homeModel
	thread  *threadModel
	call    *callModel
	compose *composeModel
}

// NewRootModel creates the root model. Close releases its broker
// subscription once the program has exited.
func NewRootModel(a *app.App, name string) *Model {
	m := &Model{
		app:    a,
		sub:    a.Broker.Subscribe(name),
		done:   make(chan struct{}),
		active: screenHome,
		home:   newHomeModel(a),
	}
	return m
}

// Close unsubscribes from updates.
func (m *Model) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.app.Broker.Unsubscribe(m.sub.ID)
	})
}

func (m *Model) waitUpdate() tea.Cmd {
	sub, done := m.sub, m.done
	return func() tea.Msg {
		select {
		case u := <-sub.Ch:
			return updateMsg(u)
		case <-done:
			return nil
		}
	}
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitUpdate()}
	if last := m.app.LastParent(); last != "" {
		cmds = append(cmds, m.openThread(last))
	}
	return tea.Batch(cmds...)
}

func (m *Model) openThread(parentID string) tea.Cmd {
	t, cmd := newThreadModel(m.app, parentID)
	t.SetSize(m.width, m.height)
	m.thread = t
	m.active = screenThread
	m.app.Broker.Watch(m.sub.ID, parentID)
	return cmd
}

func (m *Model) startCall(characterID string) {
	if characterID == "" {
		return
	}
	c, err := m.app.StartCall(characterID)
	if err != nil {
		m.banner = fmt.Sprintf("call not started: %v", err)
		return
	}
	m.banner = ""
	m.call = newCallModel(m.app, c.ID)
	m.active = screenCall
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.home.SetSize(msg.Width, msg.Height-1)
		if m.thread != nil {
			m.thread.SetSize(msg.Width, msg.Height-1)
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
	case updateMsg:
		m.apply(chat.Update(msg))
		return m, m.waitUpdate()
	case sentMsg:
		if m.thread == nil || m.thread.parentID != msg.parentID {
			m.settleSelection(msg.parentID)
			return m, nil
		}
	}

	switch m.active {
	case screenHome:
		act, cmd := m.home.Update(msg)
		switch {
		case act.quit:
			return m, tea.Quit
		case act.open != "":
			return m, m.openThread(act.open)
		case act.compose:
			m.compose = newComposeModel(m.app)
			m.active = screenCompose
			return m, m.composeInit()
		case act.call != "":
			m.startCall(act.call)
		case act.callView:
			m.call = newCallModel(m.app, "")
			m.active = screenCall
		}
		return m, cmd
	case screenThread:
		act, cmd := m.thread.Update(msg)
		if m.thread.Done {
			m.app.Store.Deselect(m.thread.parentID)
			m.app.Broker.Watch(m.sub.ID, "")
			m.thread = nil
			m.active = screenHome
			m.home.reload()
			return m, nil
		}
		if act.call != "" {
			m.startCall(act.call)
		}
		return m, cmd
	case screenCall:
		cmd := m.call.Update(msg)
		if m.call.Done {
			m.call = nil
			if m.thread != nil {
				m.active = screenThread
				m.thread.refresh()
			} else {
				m.active = screenHome
			}
		}
		return m, cmd
	case screenCompose:
		cmd := m.compose.Update(msg)
		if m.compose.Done {
			opened := m.compose.Opened
			m.compose = nil
			m.active = screenHome
			m.home.reload()
			if opened != "" {
				return m, m.openThread(opened)
			}
			return m, nil
		}
		return m, cmd
	}
	return m, nil
}

// settleSelection undoes a load that finished after its thread closed, so
// the store's selection follows the thread on screen.
func (m *Model) settleSelection(stale string) {
	m.app.Store.Deselect(stale)
	if m.thread != nil && m.app.Store.State().Selected == "" {
		m.app.Store.Dispatch(store.Select{ParentID: m.thread.parentID})
	}
}

func (m *Model) composeInit() tea.Cmd {
	if m.compose == nil || m.compose.form == nil {
		return nil
	}
	return m.compose.form.Init()
}

// apply refreshes whatever the update touches.
func (m *Model) apply(u chat.Update) {
	switch u.Kind {
	case chat.KindConversations, chat.KindCharacters:
		m.home.reload()
	case chat.KindMessages:
		m.home.reload()
		if m.thread != nil && m.thread.parentID == u.ParentID {
			m.thread.refresh()
		}
	case chat.KindSpeaking:
		if m.thread != nil && m.thread.parentID == u.ParentID {
			m.thread.setSpeaking(u.CharacterID)
		}
	case chat.KindVoice:
		if u.Text != "" {
			m.banner = "voice mode off: " + u.Text
		}
	case chat.KindError:
		if u.Text != "" {
			m.banner = u.Text
		}
		if m.thread != nil && m.thread.parentID == u.ParentID {
			m.thread.refresh()
		}
	case chat.KindCall:
		if u.Text == "failed" && m.active != screenCall {
			m.banner = "call failed, press v for details"
		}
	}
}

func (m *Model) View() string {
	if m.err != nil {
		return errStyle.Render("Error: ") + m.err.Error()
	}
	var body string
	switch m.active {
	case screenHome:
		body = m.home.View()
	case screenThread:
		body = m.thread.View()
	case screenCall:
		body = m.call.View()
	case screenCompose:
		body = m.compose.View()
	default:
		body = titleStyle.Render("Unknown screen") + "\n" + fmt.Sprint(m.active)
	}
	if m.banner != "" {
		return bannerStyle.Render(m.banner) + "\n" + body
	}
	return body
}
