package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/model"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: ""})
	assert.Error(t, err)
	_, err = NewClient(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestFetchConversationsDecodesWrappedAndBare(t *testing.T) {
	var gotCiv string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		gotCiv = r.URL.Query().Get("civilizationId")
		io.WriteString(w, `{"success":true,"data":[{"id":"c1","participants":["player","ch1"],"conversationType":"direct","unreadCount":2}]}`)
	}))

	convs, err := c.FetchConversations(context.Background(), Filter{CivilizationID: "terran"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "terran", gotCiv)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"channels":[{"id":"ch-1","name":"Cabinet","type":"cabinet"}]}`)
	}))
	chans, err := c.FetchChannels(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "Cabinet", chans[0].Name)
}

func TestFetchMessagesSortsAscending(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.URL.Query().Get("conversationId"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		io.WriteString(w, `[
			{"id":"m2","senderId":"a","content":"second","timestamp":"2026-01-01T10:00:02Z"},
			{"id":"m1","senderId":"a","content":"first","timestamp":"2026-01-01T10:00:01Z"}
		]`)
	}))

	msgs, err := c.FetchMessages(context.Background(), "c1", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "c1", msgs[0].ParentID)
	assert.Equal(t, model.StatusConfirmed, msgs[1].Status)
}

func TestPostMessageSendsBodyAndEchoesClientID(t *testing.T) {
	var body PostRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"message":{"id":"srv-1","senderId":"player","content":"hi","timestamp":"2026-01-01T10:00:00Z"}}`)
	}))

	msg, err := c.PostMessage(context.Background(), PostRequest{
		ParentID: "c1", SenderID: "player", Content: "hi", Type: model.MessageText, ClientID: "tmp_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", body.ParentID)
	assert.Equal(t, model.MessageText, body.Type)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "c1", msg.ParentID)
	assert.Equal(t, "tmp_1", msg.ClientID)
}

func TestNon2xxIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rejected bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"forbidden", http.StatusForbidden, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":"nope"}`)
			}))
			_, err := c.PostMessage(context.Background(), PostRequest{ParentID: "c1", Content: "x"})
			require.Error(t, err)
			assert.True(t, IsNetworkError(err))
			assert.Equal(t, tt.rejected, IsRejection(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestSuccessFalseIsRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":false,"error":"conversation archived"}`)
	}))
	_, err := c.PostMessage(context.Background(), PostRequest{ParentID: "c1", Content: "x"})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.FetchConversations(context.Background(), Filter{})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.False(t, IsRejection(err))
}

func TestCallEndpoints(t *testing.T) {
	var initiate CallRequest
	var status callStatusBody
	var statusPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/calls/initiate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&initiate))
			io.WriteString(w, `{"success":true,"data":{"id":"call-9"}}`)
		case strings.HasSuffix(r.URL.Path, "/status"):
			assert.Equal(t, http.MethodPut, r.Method)
			statusPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&status))
			io.WriteString(w, `{"success":true}`)
		default:
			http.NotFound(w, r)
		}
	}))

	rec, err := c.InitiateCall(context.Background(), CallRequest{CallerID: "player", RecipientID: "ch1"})
	require.NoError(t, err)
	assert.Equal(t, "call-9", rec.ID)
	assert.Equal(t, "voice", initiate.CallType)

	end := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.UpdateCallStatus(context.Background(), "call-9", model.CallEnded, &end))
	assert.Equal(t, "/api/calls/call-9/status", statusPath)
	assert.Equal(t, model.CallEnded, status.Status)
	require.NotNil(t, status.EndTime)
	assert.True(t, end.Equal(*status.EndTime))
}

func TestGenerateAndTranscribe(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ai/generate":
			var req GenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Ambassador Vex", req.Character.Name)
			io.WriteString(w, `{"content":"  Greetings.  "}`)
		case "/api/stt/transcribe":
			f, hdr, err := r.FormFile("audio")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "seg.wav", hdr.Filename)
			assert.Equal(t, "RIFF", string(data))
			io.WriteString(w, `{"success":true,"transcript":"hello there"}`)
		}
	}))

	text, err := c.Generate(context.Background(), GenerateRequest{
		Prompt:    "hi",
		Character: GenerateCharacter{ID: "ch1", Name: "Ambassador Vex"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Greetings.", text)

	got, err := c.Transcribe(context.Background(), strings.NewReader("RIFF"), "seg.wav")
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)
}

func TestTranscribeNoSpeech(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":false,"error":"No speech detected"}`)
	}))
	_, err := c.Transcribe(context.Background(), strings.NewReader("x"), "")
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(40))

	b.Jitter = true
	for i := 0; i < 50; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 7200*time.Millisecond)
		assert.LessOrEqual(t, d, 8800*time.Millisecond)
	}
}
