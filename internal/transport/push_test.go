package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// pushServer accepts push connections and runs serve for each one.
func pushServer(t *testing.T, serve func(n int, conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(int(atomic.AddInt32(&count, 1)), conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func fastBackoff() Backoff {
	return Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	civ := make(chan string, 1)
	url := pushServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		civ <- r.URL.Query().Get("civilizationId")
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","payload":{"id":"m1","conversationId":"c1","senderId":"ch1","content":"one"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence_update","payload":{"characterId":"ch1","status":"busy"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation_update","payload":{"id":"c1","isPinned":true}}`))
		time.Sleep(time.Second)
	})

	var got eventLog
	sub, err := NewSubscriber(url, fastBackoff()).Subscribe(context.Background(), "terran", got.add)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "terran", <-civ)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)

	events := got.snapshot()
	assert.Equal(t, EventNewMessage, events[0].Type)
	assert.Equal(t, EventPresenceUpdate, events[1].Type)
	assert.Equal(t, EventConversationUpdate, events[2].Type)

	msg, err := events[0].Message()
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ParentID)
	assert.Equal(t, model.StatusConfirmed, msg.Status)

	p, err := events[1].Presence()
	require.NoError(t, err)
	assert.Equal(t, model.PresenceBusy, p.Status)

	u, err := events[2].Conversation()
	require.NoError(t, err)
	require.NotNil(t, u.IsPinned)
	assert.True(t, *u.IsPinned)
	assert.Nil(t, u.Title)
}

func TestSubscribeReconnectsAfterDrop(t *testing.T) {
	url := pushServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","payload":{"id":"m1"}}`))
			return // drop
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","payload":{"id":"m2"}}`))
		time.Sleep(time.Second)
	})

	var got eventLog
	sub, err := NewSubscriber(url, fastBackoff()).Subscribe(context.Background(), "", got.add)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, sub.Connected())
}

func TestHandlerPanicDoesNotStopStream(t *testing.T) {
	url := pushServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","payload":{"id":"boom"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","payload":{"id":"ok"}}`))
		time.Sleep(time.Second)
	})

	var got eventLog
	sub, err := NewSubscriber(url, fastBackoff()).Subscribe(context.Background(), "", func(ev Event) {
		m, _ := ev.Message()
		if m.ID == "boom" {
			panic("handler bug")
		}
		got.add(ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndStopsRetrying(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub, err := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), fastBackoff()).
		Subscribe(context.Background(), "", func(Event) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) >= 2 }, 2*time.Second, 5*time.Millisecond)
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after Close")
	}
	after := atomic.LoadInt32(&dials)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&dials))
	assert.False(t, sub.Connected())
}

func TestPresenceRejectsUnknownStatus(t *testing.T) {
	ev := Event{Type: EventPresenceUpdate, Payload: []byte(`{"characterId":"x","status":"sleeping"}`)}
	_, err := ev.Presence()
	assert.Error(t, err)
}
