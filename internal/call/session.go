// Package call runs simulated voice calls with characters.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notepid/whoseapp/internal/model"
)

var (
	// ErrCallActive is returned when a call is started while another one is
	// still initiating, ringing or connected.
	ErrCallActive = errors.New("another call is in progress")
	// ErrInvalidTransition is returned for a change the state machine does
	// not allow, such as toggling mute on an ended call.
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrNoSuchCall        = errors.New("no such call")
	ErrClosed            = errors.New("call manager closed")
)

// transitions is the call state graph. Ending from initiating cancels the
// call, so it lands in ended rather than failed.
var transitions = map[model.CallStatus][]model.CallStatus{
	model.CallInitiating: {model.CallRinging, model.CallFailed, model.CallEnded},
	model.CallRinging:    {model.CallConnected, model.CallFailed, model.CallEnded},
	model.CallConnected:  {model.CallEnded},
}

// CanTransition reports whether the graph has an edge from one status to another.
func CanTransition(from, to model.CallStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one call. All fields are guarded by mu.
type Session struct {
	mu       sync.Mutex
	call     model.CallSession
	remoteID string
	history  []model.CallStatus

	ctx    context.Context
	cancel context.CancelFunc
	grace  *time.Timer
}

func newSession(parent context.Context, c model.CallSession) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		call:    c,
		history: []model.CallStatus{c.Status},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Snapshot returns a copy that is safe to keep.
func (s *Session) Snapshot() model.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.CallSession {
	c := s.call
	if c.StartTime != nil {
		t := *c.StartTime
		c.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		c.EndTime = &t
	}
	return c
}

// History returns every status the session has been in, in order.
func (s *Session) History() []model.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CallStatus(nil), s.history...)
}

// moveLocked applies a transition and stamps times.
func (s *Session) moveLocked(to model.CallStatus, now time.Time) error {
	if !CanTransition(s.call.Status, to) {
		return ErrInvalidTransition
	}
	s.call.Status = to
	s.history = append(s.history, to)
	switch to {
	case model.CallConnected:
		s.call.StartTime = &now
	case model.CallEnded, model.CallFailed:
		s.call.EndTime = &now
		s.cancel()
	}
	return nil
}

func (s *Session) stopGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.Stop()
	}
}
