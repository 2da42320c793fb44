package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// EventType names a push event.
type EventType string

const (
	EventNewMessage         EventType = "new_message"
	EventPresenceUpdate     EventType = "presence_update"
	EventConversationUpdate EventType = "conversation_update"
)

// Event is one frame of the push channel.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message decodes a new_message payload.
func (e Event) Message() (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return model.Message{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	m.Status = model.StatusConfirmed
	return m, nil
}

// PresenceUpdate is the payload of a presence_update event.
type PresenceUpdate struct {
	CharacterID   string         `json:"characterId"`
	Status        model.Presence `json:"status"`
	StatusMessage *string        `json:"statusMessage,omitempty"`
}

// Presence decodes a presence_update payload.
func (e Event) Presence() (PresenceUpdate, error) {
	var p PresenceUpdate
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return PresenceUpdate{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	if _, err := model.ParsePresence(string(p.Status)); err != nil {
		return PresenceUpdate{}, err
	}
	return p, nil
}

// ConversationUpdate patches list fields of a conversation or channel.
// Nil fields are left unchanged.
type ConversationUpdate struct {
	ID              string     `json:"id"`
	Title           *string    `json:"title,omitempty"`
	LastMessage     *string    `json:"lastMessage,omitempty"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
	IsPinned        *bool      `json:"isPinned,omitempty"`
	IsActive        *bool      `json:"isActive,omitempty"`
}

// Conversation decodes a conversation_update payload.
func (e Event) Conversation() (ConversationUpdate, error) {
	var u ConversationUpdate
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		return ConversationUpdate{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return u, nil
}

// Subscriber opens push channels against the backend's WebSocket endpoint.
type Subscriber struct {
	url     string
	dialer  *websocket.Dialer
	header  http.Header
	backoff Backoff
	log     zerolog.Logger
}

// NewSubscriber creates a Subscriber for pushURL.
func NewSubscriber(pushURL string, backoff Backoff) *Subscriber {
	return &Subscriber{
		url:     pushURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		header:  http.Header{},
		backoff: backoff,
		log:     logging.Component("push"),
	}
}

// Subscription is a running push channel. Close stops it.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
}

// Close stops the subscription and waits for the reader to exit. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Connected reports whether a socket is currently open.
func (s *Subscription) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Subscription) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Subscribe opens the push channel for a civilization and delivers events
// to onEvent in arrival order until ctx is done or Close is called. Dropped
// connections are retried with exponential backoff. onEvent may see the
// same event twice across reconnects.
func (s *Subscriber) Subscribe(ctx context.Context, civilizationID string, onEvent func(Event)) (*Subscription, error) {
	target, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid push url %q: %w", s.url, err)
	}
	if civilizationID != "" {
		q := target.Query()
		q.Set("civilizationId", civilizationID)
		target.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, target.String(), sub, onEvent)
	return sub, nil
}

func (s *Subscriber) run(ctx context.Context, target string, sub *Subscription, onEvent func(Event)) {
	defer close(sub.done)

	attempt := 0
	for {
		conn, _, err := s.dialer.DialContext(ctx, target, s.header)
		if err == nil {
			attempt = 0
			sub.setConnected(true)
			s.log.Info().Str("url", target).Msg("push channel connected")

			err = s.readLoop(ctx, conn, onEvent)

			sub.setConnected(false)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff.Delay(attempt)
		attempt++
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("push channel down")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, onEvent func(Event)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push frame")
			continue
		}
		s.deliver(ev, onEvent)
	}
}

func (s *Subscriber) deliver(ev Event, onEvent func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("type", string(ev.Type)).Msg("push handler panicked")
		}
	}()
	onEvent(ev)
}
