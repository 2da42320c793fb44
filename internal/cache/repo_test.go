package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/model"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepo(db.DB)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cache.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestCharactersRoundTripKeepsOrder(t *testing.T) {
	r := openTestRepo(t)
	chars := []model.Character{
		{ID: "z", Name: "Zed", Clearance: model.ClearanceTopSecret, Presence: model.PresenceBusy, Specialties: []string{"trade"}},
		{ID: "a", Name: "Ann", Department: "Science", Presence: model.PresenceOnline},
	}
	require.NoError(t, r.SaveCharacters("terran", chars))
	require.NoError(t, r.SaveCharacters("vega", chars[:1]))

	got, err := r.Characters("terran")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "z", got[0].ID)
	assert.Equal(t, model.ClearanceTopSecret, got[0].Clearance)
	assert.Equal(t, []string{"trade"}, got[0].Specialties)
	assert.Equal(t, model.PresenceOnline, got[1].Presence)

	// a second save replaces, it does not append
	require.NoError(t, r.SaveCharacters("terran", chars[1:]))
	got, err = r.Characters("terran")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConversationsAndChannels(t *testing.T) {
	r := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.SaveConversations("terran", []model.Conversation{
		{ID: "old", ParticipantIDs: []string{"player", "a"}, Kind: model.KindDirect, LastMessageTime: now.Add(-time.Hour)},
		{ID: "pinned", ParticipantIDs: []string{"player", "b"}, Kind: model.KindDirect, IsPinned: true, LastMessageTime: now.Add(-2 * time.Hour)},
		{ID: "new", ParticipantIDs: []string{"player", "a", "b"}, Kind: model.KindGroup, LastMessageTime: now, UnreadCount: 4},
	}))

	convs, err := r.Conversations("terran")
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, []string{"pinned", "new", "old"}, []string{convs[0].ID, convs[1].ID, convs[2].ID})
	assert.True(t, now.Equal(convs[1].LastMessageTime))
	assert.Equal(t, 4, convs[1].UnreadCount)
	assert.Equal(t, model.KindGroup, convs[1].Kind)

	require.NoError(t, r.SaveChannels("terran", []model.Channel{
		{ID: "war", Name: "War Room", Type: model.ChannelEmergency, Confidentiality: model.ClearanceClassified, MemberIDs: []string{"a"}},
	}))
	chans, err := r.Channels("terran")
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, model.ChannelEmergency, chans[0].Type)
	assert.Equal(t, model.ClearanceClassified, chans[0].Confidentiality)
	assert.Equal(t, []string{"a"}, chans[0].MemberIDs)
}

func TestMessagesSkipTempAndTrim(t *testing.T) {
	r := openTestRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var msgs []model.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, model.Message{
			ID: string(rune('a' + i)), SenderID: "x", Content: "hi", Type: model.MessageText,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	msgs = append(msgs, model.Message{ID: model.TempPrefix + "1", Content: "pending", Timestamp: base.Add(time.Minute)})

	require.NoError(t, r.SaveMessages("c1", msgs, 3))

	got, err := r.Messages("c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "e", got[2].ID)
	assert.Equal(t, "c1", got[0].ParentID)
	assert.Equal(t, model.StatusConfirmed, got[0].Status)

	got, err = r.Messages("c1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, []string{got[0].ID, got[1].ID})

	// upsert updates content in place
	msgs[4].Content = "edited"
	require.NoError(t, r.SaveMessages("c1", msgs[4:5], 0))
	got, err = r.Messages("c1", 1)
	require.NoError(t, err)
	assert.Equal(t, "edited", got[0].Content)
}

func TestPreferences(t *testing.T) {
	r := openTestRepo(t)
	_, ok, err := r.Preference("voice_mode")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetPreference("voice_mode", "c1"))
	require.NoError(t, r.SetPreference("voice_mode", "c2"))
	v, ok, err := r.Preference("voice_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", v)
}
