package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/notepid/whoseapp/internal/model"
)

// Terminal is the minimal line-mode terminal needed to run a thread session.
type Terminal interface {
	SendLn(s string) error
	GetLine(maxLen int) (string, error)
}

// Thread is the view of one conversation a line-mode session needs.
type Thread interface {
	Title(parentID string) string
	Messages(parentID string) []model.Message
	SenderName(id string) string
	Send(ctx context.Context, parentID, text string) error
	// Leave is called once the session ends.
	Leave(parentID string)
}

// ThreadSessionConfig configures a line-mode session on one conversation
// or channel.
type ThreadSessionConfig struct {
	Term     Terminal
	Broker   *Broker
	Thread   Thread
	ParentID string
	UserName string
}

// RunThreadSession prints a thread, then echoes new messages as they arrive
// while sending each typed line. It returns when the user types /quit or
// input ends.
func RunThreadSession(ctx context.Context, cfg ThreadSessionConfig) error {
	if cfg.Term == nil || cfg.Broker == nil || cfg.Thread == nil {
		return nil
	}
	if cfg.UserName == "" {
		cfg.UserName = "player"
	}
	term := cfg.Term
	thread := cfg.Thread
	parent := cfg.ParentID

	sub := cfg.Broker.Subscribe(cfg.UserName)
	cfg.Broker.Watch(sub.ID, parent)

	p := &printer{term: term, thread: thread, seen: map[string]bool{}}

	_ = term.SendLn("  " + thread.Title(parent))
	_ = term.SendLn("  Type /quit to leave, /who to see who is watching")
	_ = term.SendLn("  ---------------------------------------------")
	p.flush(parent)

	done := make(chan struct{})
	go func() {
		defer func() { recover() }()
		for {
			select {
			case u := <-sub.Ch:
				if u.Kind == KindMessages && u.ParentID == parent {
					p.flush(parent)
				}
				if u.Kind == KindError && u.ParentID == parent && u.Text != "" {
					_ = term.SendLn("  ! " + u.Text)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			cfg.Broker.Unsubscribe(sub.ID)
			thread.Leave(parent)
		})
	}
	defer cleanup()

	for ctx.Err() == nil {
		line, err := term.GetLine(500)
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)

		if line == "/quit" || line == "/q" {
			break
		}
		if line == "/who" {
			_ = term.SendLn("  Watching: " + strings.Join(cfg.Broker.Watchers(parent), ", "))
			continue
		}
		if line == "" {
			continue
		}
		if err := thread.Send(ctx, parent, line); err != nil {
			_ = term.SendLn(fmt.Sprintf("  ! send failed: %v", err))
		}
		p.flush(parent)
	}

	_ = term.SendLn("")
	_ = term.SendLn("  Left " + thread.Title(parent) + ".")
	return nil
}

// printer writes each message of a thread once. A temp message confirmed
// later under its server id is not printed again.
type printer struct {
	mu     sync.Mutex
	term   Terminal
	thread Thread
	seen   map[string]bool
}

func (p *printer) flush(parent string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.thread.Messages(parent) {
		if p.seen[m.ID] || (m.ClientID != "" && p.seen[m.ClientID]) {
			p.seen[m.ID] = true
			continue
		}
		p.seen[m.ID] = true
		_ = p.term.SendLn(formatLine(m, p.thread.SenderName(m.SenderID)))
	}
}

func formatLine(m model.Message, sender string) string {
	ts := m.Timestamp.Local().Format("15:04")
	switch m.Type {
	case model.MessageSystem, model.MessageActionUpdate:
		return fmt.Sprintf("  [%s] * %s", ts, m.Content)
	}
	suffix := ""
	if m.Status == model.StatusUnconfirmed {
		suffix = " (not delivered)"
	}
	return fmt.Sprintf("  [%s] <%s> %s%s", ts, sender, m.Content, suffix)
}
