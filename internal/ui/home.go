package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/store"
)

type homeTab int

const (
	tabConversations homeTab = iota
	tabChannels
	tabCharacters
)

var tabNames = []string{"Conversations", "Channels", "Characters"}

type homeItem struct {
	id    string
	title string
	desc  string
	tab   homeTab
}

func (i homeItem) Title() string       { return i.title }
func (i homeItem) Description() string { return i.desc }
func (i homeItem) FilterValue() string { return i.title }

type homeModel struct {
	app *app.App

	width  int
	height int

	tab        homeTab
	unreadOnly bool
	list       list.Model
}

func newHomeModel(a *app.App) *homeModel {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.SetShowStatusBar(false)
	l.SetShowHelp(true)
	m := &homeModel{app: a, list: l}
	m.reload()
	return m
}

func (m *homeModel) SetSize(w, h int) {
	m.width, m.height = w, h
	m.list.SetSize(w, h-2)
}

// reload rebuilds the items from the store, keeping the cursor on the
// same entry when it still exists.
func (m *homeModel) reload() {
	var keep string
	if it, ok := m.list.SelectedItem().(homeItem); ok {
		keep = it.id
	}
	st := m.app.Store.State()
	items := homeItems(st, m.tab, m.unreadOnly, time.Now())
	m.list.SetItems(items)
	for i, it := range items {
		if it.(homeItem).id == keep {
			m.list.Select(i)
			break
		}
	}
	title := "WhoseApp · " + tabNames[m.tab]
	if m.unreadOnly {
		title += " (unread)"
	}
	if reason := m.app.Store.Degraded(); reason != "" {
		title += " · offline"
	}
	m.list.Title = title
}

func homeItems(st store.State, tab homeTab, unreadOnly bool, now time.Time) []list.Item {
	f := store.Filter{UnreadOnly: unreadOnly, ActiveOnly: true}
	var items []list.Item
	switch tab {
	case tabConversations:
		for _, c := range st.ListConversations(f) {
			items = append(items, homeItem{
				id:    c.ID,
				title: badge(st.Title(c.ID), c.UnreadCount, c.IsPinned),
				desc:  summary(c.LastMessageSummary, c.LastMessageTime, now),
				tab:   tab,
			})
		}
	case tabChannels:
		for _, ch := range st.ListChannels(f) {
			items = append(items, homeItem{
				id:    ch.ID,
				title: badge("#"+ch.Name, ch.UnreadCount, ch.IsPinned),
				desc:  fmt.Sprintf("%s · %s · %s", ch.Type, ch.Confidentiality, summary(ch.LastMessageSummary, ch.LastMessageTime, now)),
				tab:   tab,
			})
		}
	case tabCharacters:
		for _, c := range st.RosterList() {
			desc := c.Role()
			if c.StatusMessage != "" {
				desc += " · " + c.StatusMessage
			}
			items = append(items, homeItem{
				id:    c.ID,
				title: presenceMark(c.Presence) + " " + c.Name,
				desc:  desc,
				tab:   tab,
			})
		}
	}
	return items
}

func badge(title string, unread int, pinned bool) string {
	if pinned {
		title = "📌 " + title
	}
	if unread > 0 {
		title = fmt.Sprintf("%s (%d)", title, unread)
	}
	return title
}

func summary(text string, at time.Time, now time.Time) string {
	when := relTime(at, now)
	switch {
	case text == "":
		return when
	case when == "":
		return text
	}
	return when + " · " + text
}

// homeAction is what the root should do after a key on the home screen.
type homeAction struct {
	open     string
	call     string
	compose  bool
	quit     bool
	callView bool
}

func (m *homeModel) Update(msg tea.Msg) (homeAction, tea.Cmd) {
	filtering := m.list.FilterState() == list.Filtering
	if km, ok := msg.(tea.KeyMsg); ok && !filtering {
		switch km.String() {
		case "tab":
			m.tab = (m.tab + 1) % homeTab(len(tabNames))
			m.list.ResetSelected()
			m.reload()
			return homeAction{}, nil
		case "shift+tab":
			m.tab = (m.tab + homeTab(len(tabNames)) - 1) % homeTab(len(tabNames))
			m.list.ResetSelected()
			m.reload()
			return homeAction{}, nil
		case "u":
			m.unreadOnly = !m.unreadOnly
			m.reload()
			return homeAction{}, nil
		case "n":
			return homeAction{compose: true}, nil
		case "v":
			return homeAction{callView: true}, nil
		case "q":
			return homeAction{quit: true}, nil
		case "enter":
			if it, ok := m.list.SelectedItem().(homeItem); ok {
				if it.tab == tabCharacters {
					return m.openCharacter(it.id), nil
				}
				return homeAction{open: it.id}, nil
			}
		case "c":
			if it, ok := m.list.SelectedItem().(homeItem); ok {
				return m.callTarget(it), nil
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return homeAction{}, cmd
}

func (m *homeModel) openCharacter(id string) homeAction {
	conv, err := m.app.OpenDirect(id)
	if err != nil {
		return homeAction{}
	}
	return homeAction{open: conv.ID}
}

// callTarget finds whom to call for the selected entry: the character
// itself, or the other participant of a direct conversation.
func (m *homeModel) callTarget(it homeItem) homeAction {
	switch it.tab {
	case tabCharacters:
		return homeAction{call: it.id}
	case tabConversations:
		st := m.app.Store.State()
		c, ok := st.Conversations[it.id]
		if !ok || c.Kind != model.KindDirect {
			return homeAction{}
		}
		for _, id := range c.ParticipantIDs {
			if id != st.PlayerID {
				return homeAction{call: id}
			}
		}
	}
	return homeAction{}
}

func (m *homeModel) View() string {
	return m.list.View() + "\n" + dimStyle.Render("tab switch · enter open · n new · c call · v call screen · u unread · q quit")
}
