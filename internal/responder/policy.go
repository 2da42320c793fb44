package responder

import (
	"errors"

	"github.com/notepid/whoseapp/internal/store"
)

// ErrNoResponder is returned when no character can answer in a parent.
var ErrNoResponder = errors.New("no character can answer here")

// Policy picks which character answers in a conversation or channel.
type Policy interface {
	Select(st store.State, parentID string) (string, error)
}

// FirstEligible answers with the sole non-player participant of a direct
// conversation, the first non-player participant of a group, or the first
// eligible channel member in roster order.
type FirstEligible struct{}

func (FirstEligible) Select(st store.State, parentID string) (string, error) {
	if c, ok := st.Conversations[parentID]; ok {
		for _, id := range c.ParticipantIDs {
			if id != st.PlayerID {
				return id, nil
			}
		}
		return "", ErrNoResponder
	}
	if ch, ok := st.Channels[parentID]; ok {
		for _, c := range ch.EligibleMembers(st.RosterList()) {
			if c.ID != st.PlayerID {
				return c.ID, nil
			}
		}
		return "", ErrNoResponder
	}
	return "", store.ErrUnknownParent
}
