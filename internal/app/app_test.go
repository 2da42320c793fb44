package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/config"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

// backend serves just enough of the REST API for the client to run.
type backend struct {
	mu       sync.Mutex
	posted   []transport.PostRequest
	statuses []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/conversations":
		io.WriteString(w, `[{"id":"c1","participants":["player","vex"],"conversationType":"direct","isActive":true}]`)
	case r.URL.Path == "/api/channels":
		io.WriteString(w, `[{"id":"ch1","name":"Cabinet","type":"general","isActive":true}]`)
	case r.URL.Path == "/api/characters/profiles":
		io.WriteString(w, `[
			{"id":"vex","name":"Ambassador Vex","department":"Diplomacy","clearanceLevel":"classified","presenceStatus":"online"},
			{"id":"kor","name":"General Kor","department":"Military","clearanceLevel":"top_secret","presenceStatus":"busy"}
		]`)
	case r.URL.Path == "/api/messages" && r.Method == http.MethodGet:
		io.WriteString(w, `[]`)
	case r.URL.Path == "/api/messages" && r.Method == http.MethodPost:
		var req transport.PostRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.posted = append(b.posted, req)
		n := len(b.posted)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(model.Message{
			ID:        fmt.Sprintf("srv-%d", n),
			ParentID:  req.ParentID,
			SenderID:  req.SenderID,
			Content:   req.Content,
			Type:      req.Type,
			Timestamp: time.Now().Add(time.Duration(n) * time.Millisecond),
			ClientID:  req.ClientID,
		})
	case strings.HasSuffix(r.URL.Path, "/read"):
		io.WriteString(w, `{}`)
	case r.URL.Path == "/api/calls/initiate":
		io.WriteString(w, `{"call":{"id":"remote-1","status":"initiating"}}`)
	case strings.HasPrefix(r.URL.Path, "/api/calls/"):
		var body struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.statuses = append(b.statuses, body.Status)
		b.mu.Unlock()
		io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

func (b *backend) postCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posted)
}

func newTestApp(t *testing.T, be *backend) *App {
	t.Helper()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL + "/api"
	cfg.Backend.PushURL = ""
	cfg.Backend.RequestsPerSecond = 0
	cfg.Paths.Data = dir
	cfg.Paths.Database = filepath.Join(dir, "cache.db")
	cfg.Voice.Enabled = false
	cfg.Responder.Strategy = "template"
	cfg.Responder.Seed = 1
	cfg.Call.RingDelayMin = 0
	cfg.Call.RingDelayMax = 0
	cfg.Call.TickInterval = time.Hour

	a, cleanup, err := FromConfig("", cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(cleanup)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func contents(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestStartLoadsLists(t *testing.T) {
	a := newTestApp(t, &backend{})
	assert.Len(t, a.Store.Characters(), 2)
	_, ok := a.Store.Conversation("c1")
	assert.True(t, ok)
	_, ok = a.Store.Channel("ch1")
	assert.True(t, ok)
	assert.Empty(t, a.Store.Degraded())
	assert.False(t, a.PushConnected())
}

func TestOpenDirectWelcomesOnce(t *testing.T) {
	be := &backend{}
	a := newTestApp(t, be)

	conv, err := a.OpenDirect("kor")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello! I'm General Kor. How can I assist you today?"}, contents(a.Store.Messages(conv.ID)))

	again, err := a.OpenDirect("kor")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, a.Store.Messages(conv.ID), 1)
	assert.Equal(t, 0, be.postCount())

	// an existing conversation gets no greeting
	c1, err := a.OpenDirect("vex")
	require.NoError(t, err)
	assert.Equal(t, "c1", c1.ID)

	_, err = a.OpenDirect("nobody")
	assert.Error(t, err)
}

func TestCallNoticesGoToConversation(t *testing.T) {
	be := &backend{}
	a := newTestApp(t, be)

	c, err := a.StartCall("vex")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ConversationID)

	// the connected notice is logged before the status is announced
	require.Eventually(t, func() bool {
		return len(a.Store.Messages("c1")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cur, ok := a.Calls.Get(c.ID)
	require.True(t, ok)
	require.Equal(t, model.CallConnected, cur.Status)

	_, err = a.Calls.EndCall(c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Store.Messages("c1")) == 3
	}, 2*time.Second, 5*time.Millisecond)
	msgs := a.Store.Messages("c1")
	assert.Equal(t, []string{"Call initiated", "Call connected", "Call ended (0:00)"}, contents(msgs))
	for _, m := range msgs {
		assert.Equal(t, model.MessageSystem, m.Type)
		assert.Equal(t, SystemSender, m.SenderID)
	}
	assert.Equal(t, "system", a.Thread().SenderName(SystemSender))
	assert.Equal(t, 0, be.postCount())

	a.Calls.Close()
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, []string{"connected", "ended"}, be.statuses)
}

func TestThreadSendGetsReply(t *testing.T) {
	be := &backend{}
	a := newTestApp(t, be)
	require.NoError(t, a.Store.SelectConversation(context.Background(), "c1"))

	require.NoError(t, a.Thread().Send(context.Background(), "c1", "Open talks with the guild."))
	msgs := a.Store.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "player", msgs[0].SenderID)
	assert.Equal(t, "vex", msgs[1].SenderID)
	assert.Equal(t, 2, be.postCount())
}

func TestRememberParent(t *testing.T) {
	a := newTestApp(t, &backend{})
	assert.Empty(t, a.LastParent())

	a.RememberParent("ch1")
	assert.Equal(t, "ch1", a.LastParent())

	a.RememberParent("gone")
	assert.Empty(t, a.LastParent())
}

func TestScriptStrategyNeedsScript(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Data = dir
	cfg.Paths.Database = filepath.Join(dir, "cache.db")
	cfg.Voice.Enabled = false
	cfg.Responder.Strategy = "script"
	cfg.Responder.Script = filepath.Join(dir, "missing.lua")

	_, _, err := FromConfig("", cfg, Options{})
	assert.Error(t, err)
}

func TestResolveParent(t *testing.T) {
	a := newTestApp(t, &backend{})
	ctx := context.Background()

	id, err := a.ResolveParent(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	id, err = a.ResolveParent(ctx, "kor")
	require.NoError(t, err)
	conv, ok := a.Store.Conversation(id)
	require.True(t, ok)
	assert.Contains(t, conv.ParticipantIDs, "kor")
	assert.Equal(t, id, a.LastParent())

	_, err = a.ResolveParent(ctx, "nobody")
	assert.Error(t, err)
}
