package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/notepid/whoseapp/internal/app"
)

// composeModel asks which characters to start a conversation with.
type composeModel struct {
	app *app.App

	form *huh.Form
	err  error

	title   string
	members []string
	start   bool

	Done   bool
	Opened string
}

func newComposeModel(a *app.App) *composeModel {
	m := &composeModel{app: a, start: true}
	var opts []huh.Option[string]
	for _, c := range a.Store.Characters() {
		opts = append(opts, huh.NewOption(fmt.Sprintf("%s %s (%s)", presenceMark(c.Presence), c.Name, c.Role()), c.ID))
	}
	if len(opts) == 0 {
		m.err = fmt.Errorf("no characters available")
		return m
	}
	m.form = buildComposeForm(opts, &m.members, &m.title, &m.start)
	return m
}

func buildComposeForm(opts []huh.Option[string], members *[]string, title *string, start *bool) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().Title("Characters").Options(opts...).Value(members).Validate(atLeastOne),
			huh.NewInput().Title("Title (groups only)").Value(title),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Start conversation?").Value(start),
		),
	)
}

func atLeastOne(v []string) error {
	if len(v) == 0 {
		return fmt.Errorf("pick at least one character")
	}
	return nil
}

func (m *composeModel) Update(msg tea.Msg) tea.Cmd {
	if m.err != nil {
		if km, ok := msg.(tea.KeyMsg); ok {
			switch km.String() {
			case "esc", "q", "enter":
				m.Done = true
			}
		}
		return nil
	}
	if km, ok := msg.(tea.KeyMsg); ok && km.String() == "esc" {
		m.Done = true
		return nil
	}

	updated, cmd := m.form.Update(msg)
	f, ok := updated.(*huh.Form)
	if !ok {
		m.err = fmt.Errorf("internal error: unexpected form model type")
		return nil
	}
	m.form = f

	switch m.form.State {
	case huh.StateCompleted:
		if m.start {
			if err := m.create(); err != nil {
				m.err = err
				return nil
			}
		}
		m.Done = true
		return nil
	case huh.StateAborted:
		m.Done = true
		return nil
	}
	return cmd
}

func (m *composeModel) create() error {
	if len(m.members) == 1 {
		conv, err := m.app.OpenDirect(m.members[0])
		if err != nil {
			return err
		}
		m.Opened = conv.ID
		return nil
	}
	conv, err := m.app.Store.CreateGroup(strings.TrimSpace(m.title), m.members)
	if err != nil {
		return err
	}
	m.Opened = conv.ID
	return nil
}

func (m *composeModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("New conversation error: %v\n\nPress Enter/Esc to go back.", m.err)
	}
	return m.form.View() + "\n\n(esc to go back)"
}
