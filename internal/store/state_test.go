package store

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, sender, content string, sec int) model.Message {
	return model.Message{ID: id, ParentID: "c1", SenderID: sender, Content: content, Type: model.MessageText, Timestamp: at(sec)}
}

// seeded returns a state with conversation c1 (loaded with two messages),
// an unloaded conversation c2 and channel ch1.
func seeded() State {
	s := NewState("player", 10*time.Second)
	s = Reduce(s, ApplyCharacters{Characters: []model.Character{
		{ID: "vex", Name: "Ambassador Vex", Presence: model.PresenceOnline},
		{ID: "kor", Name: "General Kor", Department: "Military"},
	}})
	s = Reduce(s, ApplyConversations{Conversations: []model.Conversation{
		{ID: "c1", ParticipantIDs: []string{"player", "vex"}, Kind: model.KindDirect, UnreadCount: 3, IsActive: true},
		{ID: "c2", ParticipantIDs: []string{"player", "kor"}, Kind: model.KindDirect, IsActive: true},
	}})
	s = Reduce(s, ApplyChannels{Channels: []model.Channel{{ID: "ch1", Name: "war-room", IsActive: true}}})
	s = Reduce(s, ApplyFetch{ParentID: "c1", Messages: []model.Message{
		msg("m1", "vex", "Greetings.", 0),
		msg("m2", "player", "Hello.", 5),
	}})
	return s
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func temp(id, content string, sec int) model.Message {
	m := msg(model.TempPrefix+id, "player", content, sec)
	m.Status = model.StatusPending
	return m
}

func TestReconcileOKReplacesInPlace(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "first", 10)})
	s = Reduce(s, AppendOptimistic{Message: temp("b", "second", 11)})
	before := s.Messages("c1")
	require.Len(t, before, 4)

	srv := msg("srv-a", "player", "first", 10)
	s = Reduce(s, ReconcileOK{TempID: model.TempPrefix + "a", Server: srv})

	after := s.Messages("c1")
	assert.Len(t, after, len(before))
	assert.Equal(t, []string{"m1", "m2", "srv-a", model.TempPrefix + "b"}, ids(after))
	assert.Equal(t, model.TempPrefix+"a", after[2].ClientID)
	assert.Equal(t, model.StatusConfirmed, after[2].Status)
}

func TestReconcileOKAfterPushKeepsOneCopy(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})
	// the push arrives with a different content, so it is not matched
	pushed := msg("srv-a", "player", "hi (edited)", 10)
	s = Reduce(s, ApplyPush{Message: &pushed})
	require.Len(t, s.Messages("c1"), 4)

	s = Reduce(s, ReconcileOK{TempID: model.TempPrefix + "a", Server: msg("srv-a", "player", "hi", 10)})
	assert.Equal(t, []string{"m1", "m2", "srv-a"}, ids(s.Messages("c1")))
}

func TestReconcileErrRestoresList(t *testing.T) {
	s := seeded()
	before := s.Messages("c1")
	summary := s.Conversations["c1"].LastMessageSummary

	s = Reduce(s, AppendOptimistic{Message: temp("a", "doomed", 10)})
	assert.Equal(t, "doomed", s.Conversations["c1"].LastMessageSummary)

	s = Reduce(s, ReconcileErr{TempID: model.TempPrefix + "a", Err: errors.New("refused"), At: at(11)})
	assert.Equal(t, before, s.Messages("c1"))
	assert.Equal(t, summary, s.Conversations["c1"].LastMessageSummary)

	errs := s.ParentErrors("c1")
	require.Len(t, errs, 1)
	assert.Equal(t, "doomed", errs[0].Content)
	assert.EqualError(t, errs[0].Err, "refused")

	s = Reduce(s, DismissError{ParentID: "c1", TempID: errs[0].TempID})
	assert.Empty(t, s.ParentErrors("c1"))
}

func TestUnconfirmedAndPendingStatus(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})
	s = Reduce(s, MarkUnconfirmed{TempID: model.TempPrefix + "a"})
	assert.Equal(t, model.StatusUnconfirmed, s.Messages("c1")[2].Status)
	s = Reduce(s, MarkPending{TempID: model.TempPrefix + "a"})
	assert.Equal(t, model.StatusPending, s.Messages("c1")[2].Status)
}

func TestMessagesStaySortedUnderAnyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		s := seeded()
		var temps []string
		for step := 0; step < 40; step++ {
			sec := rng.Intn(120)
			switch rng.Intn(5) {
			case 0:
				id := fmt.Sprintf("t%d", step)
				s = Reduce(s, AppendOptimistic{Message: temp(id, id, sec)})
				temps = append(temps, model.TempPrefix+id)
			case 1:
				if len(temps) > 0 {
					tid := temps[rng.Intn(len(temps))]
					s = Reduce(s, ReconcileOK{TempID: tid, Server: msg("s"+tid, "player", "x", sec)})
				}
			case 2:
				if len(temps) > 0 {
					s = Reduce(s, ReconcileErr{TempID: temps[rng.Intn(len(temps))], Err: errors.New("no")})
				}
			case 3:
				m := msg(fmt.Sprintf("p%d", step), "vex", "ping", sec)
				s = Reduce(s, ApplyPush{Message: &m})
			case 4:
				s = Reduce(s, ApplyFetch{ParentID: "c1", Messages: []model.Message{
					msg(fmt.Sprintf("f%d", step), "vex", "page", sec),
					msg("m1", "vex", "Greetings.", 0),
				}})
			}
			msgs := s.Messages("c1")
			require.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool {
				return msgs[i].Timestamp.Before(msgs[j].Timestamp)
			}), "run %d step %d", run, step)

			seen := map[string]bool{}
			for _, m := range msgs {
				require.False(t, seen[m.ID], "duplicate %s", m.ID)
				seen[m.ID] = true
			}
		}
	}
}

func TestListConversationsOrder(t *testing.T) {
	s := NewState("player", time.Second)
	s = Reduce(s, ApplyConversations{Conversations: []model.Conversation{
		{ID: "b", LastMessageTime: at(30)},
		{ID: "a", LastMessageTime: at(30)},
		{ID: "pin-old", IsPinned: true, LastMessageTime: at(1)},
		{ID: "newest", LastMessageTime: at(90)},
		{ID: "pin-new", IsPinned: true, LastMessageTime: at(60)},
		{ID: "never"},
	}})
	assert.Equal(t, []string{"pin-new", "pin-old", "newest", "a", "b", "never"},
		convIDs(s.ListConversations(Filter{})))

	// a push moves a conversation to the top of the unpinned ones
	m := model.Message{ID: "x", ParentID: "b", SenderID: "vex", Content: "!", Timestamp: at(100)}
	s = Reduce(s, ApplyPush{Message: &m})
	assert.Equal(t, []string{"pin-new", "pin-old", "b", "newest", "a", "never"},
		convIDs(s.ListConversations(Filter{})))
	assert.Equal(t, []string{"b"}, convIDs(s.ListConversations(Filter{UnreadOnly: true})))
}

func convIDs(cs []model.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestListFilters(t *testing.T) {
	s := seeded()
	inactive := false
	s = Reduce(s, ApplyPush{Conversation: &transport.ConversationUpdate{ID: "c2", IsActive: &inactive}})
	assert.Equal(t, []string{"c1"}, convIDs(s.ListConversations(Filter{ActiveOnly: true})))
	assert.Equal(t, []string{"c2"}, convIDs(s.ListConversations(Filter{Query: "kor"})))
	assert.Len(t, s.ListChannels(Filter{Query: "WAR"}), 1)
}

func TestPushForUnknownParentIsIgnored(t *testing.T) {
	s := seeded()
	m := model.Message{ID: "x", ParentID: "nowhere", SenderID: "vex", Content: "hi", Timestamp: at(1)}
	next := Reduce(s, ApplyPush{Message: &m})

	assert.False(t, next.HasParent("nowhere"))
	assert.NotContains(t, next.Threads, "nowhere")
	assert.NotContains(t, next.Seen, "x")
	assert.Equal(t, s.Conversations, next.Conversations)
}

func TestPushConfirmsTempByClientID(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})
	s = Reduce(s, AppendOptimistic{Message: temp("b", "hi", 10)})

	// identical content; only the echoed id can tell them apart
	pushed := msg("srv-b", "player", "hi", 12)
	pushed.ClientID = model.TempPrefix + "b"
	s = Reduce(s, ApplyPush{Message: &pushed})

	got := s.Messages("c1")
	assert.Equal(t, []string{"m1", "m2", model.TempPrefix + "a", "srv-b"}, ids(got))
	assert.Equal(t, 3, s.Conversations["c1"].UnreadCount)
}

func TestPushConfirmsTempByFuzzyMatch(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})

	pushed := msg("srv-a", "player", "hi", 18)
	s = Reduce(s, ApplyPush{Message: &pushed})
	got := s.Messages("c1")
	assert.Equal(t, []string{"m1", "m2", "srv-a"}, ids(got))
	assert.Equal(t, model.TempPrefix+"a", got[2].ClientID)

	// outside the window it is a different message
	s = Reduce(s, AppendOptimistic{Message: temp("b", "again", 30)})
	late := msg("srv-late", "player", "again", 45)
	s = Reduce(s, ApplyPush{Message: &late})
	assert.Len(t, s.Messages("c1"), 5)
}

func TestUnreadRules(t *testing.T) {
	s := seeded()
	s = Reduce(s, Select{ParentID: "c1"})
	s = Reduce(s, MarkRead{ParentID: "c1"})
	require.Equal(t, 0, s.Conversations["c1"].UnreadCount)
	for _, m := range s.Messages("c1") {
		assert.True(t, m.IsRead)
	}

	// selected parent never counts
	m := msg("n1", "vex", "while open", 20)
	s = Reduce(s, ApplyPush{Message: &m})
	assert.Equal(t, 0, s.Conversations["c1"].UnreadCount)

	// unloaded parent counts once per message id
	other := model.Message{ID: "n2", ParentID: "c2", SenderID: "kor", Content: "Report.", Timestamp: at(30)}
	s = Reduce(s, ApplyPush{Message: &other})
	s = Reduce(s, ApplyPush{Message: &other})
	assert.Equal(t, 1, s.Conversations["c2"].UnreadCount)
	assert.Equal(t, "Report.", s.Conversations["c2"].LastMessageSummary)
	assert.False(t, s.Loaded("c2"))

	// the player's own messages never count
	mine := model.Message{ID: "n3", ParentID: "c2", SenderID: "player", Content: "Ack.", Timestamp: at(31)}
	s = Reduce(s, ApplyPush{Message: &mine})
	assert.Equal(t, 1, s.Conversations["c2"].UnreadCount)

	// list refreshes and conversation updates never raise it either
	pinned := true
	s = Reduce(s, ApplyPush{Conversation: &transport.ConversationUpdate{ID: "c2", IsPinned: &pinned}})
	assert.Equal(t, 1, s.Conversations["c2"].UnreadCount)
	assert.True(t, s.Conversations["c2"].IsPinned)

	// channels follow the same rule
	chm := model.Message{ID: "n4", ParentID: "ch1", SenderID: "kor", Content: "Mobilize.", Timestamp: at(40)}
	s = Reduce(s, ApplyPush{Message: &chm})
	assert.Equal(t, 1, s.Channels["ch1"].UnreadCount)
}

func TestPresencePatchOnlyTouchesPresence(t *testing.T) {
	s := seeded()
	note := "In session"
	s = Reduce(s, ApplyPush{Presence: &transport.PresenceUpdate{CharacterID: "vex", Status: model.PresenceBusy, StatusMessage: &note}})
	vex := s.Characters["vex"]
	assert.Equal(t, model.PresenceBusy, vex.Presence)
	assert.Equal(t, "Ambassador Vex", vex.Name)

	unchanged := Reduce(s, ApplyPush{Presence: &transport.PresenceUpdate{CharacterID: "ghost", Status: model.PresenceAway}})
	assert.NotContains(t, unchanged.Characters, "ghost")
}

func TestApplyFetchMergesAndDropsMatchedTemps(t *testing.T) {
	s := seeded()
	s = Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})
	s = Reduce(s, AppendOptimistic{Message: temp("b", "unsent", 11)})

	s = Reduce(s, ApplyFetch{ParentID: "c1", Messages: []model.Message{
		msg("m1", "vex", "Greetings.", 0),
		msg("srv-a", "player", "hi", 12),
		msg("m0", "vex", "Older.", -30),
	}})
	got := s.Messages("c1")
	assert.Equal(t, []string{"m0", "m1", "m2", model.TempPrefix + "b", "srv-a"}, ids(got))
	assert.Equal(t, model.TempPrefix+"a", got[4].ClientID)
}

func TestReduceLeavesInputUntouched(t *testing.T) {
	s := seeded()
	snapshot := s.Messages("c1")
	convs := s.Conversations["c1"]

	next := Reduce(s, AppendOptimistic{Message: temp("a", "hi", 10)})
	next = Reduce(next, MarkRead{ParentID: "c1"})

	assert.Equal(t, snapshot, s.Messages("c1"))
	assert.Equal(t, convs, s.Conversations["c1"])
	assert.Len(t, next.Messages("c1"), 3)
}

func TestAppendLocalAndLocalConversations(t *testing.T) {
	s := seeded()
	s = Reduce(s, AddConversation{Conversation: model.Conversation{ID: "new", ParticipantIDs: []string{"player", "kor"}, IsActive: true}})
	require.True(t, s.Local["new"])

	// a refresh that doesn't list it yet keeps it
	s = Reduce(s, ApplyConversations{Conversations: []model.Conversation{{ID: "c1"}}})
	assert.True(t, s.HasParent("new"))
	assert.False(t, s.HasParent("c2"))

	s = Reduce(s, ApplyFetch{ParentID: "new"})
	s = Reduce(s, AppendOptimistic{Message: model.Message{ID: model.TempPrefix + "x", ParentID: "new", SenderID: "player", Content: "hi", Timestamp: at(1)}})
	s = Reduce(s, ReconcileOK{TempID: model.TempPrefix + "x", Server: model.Message{ID: "srv-x", SenderID: "player", Content: "hi", Timestamp: at(1)}})
	assert.False(t, s.Local["new"])

	notice := model.Message{ID: LocalPrefix + "1", ParentID: "c1", SenderID: "system", Content: "Call ended", Type: model.MessageSystem, Timestamp: at(50)}
	s = Reduce(s, AppendLocal{Message: notice})
	s = Reduce(s, AppendLocal{Message: notice})
	assert.Len(t, s.Messages("c1"), 3)
}

func TestTitlesAndNames(t *testing.T) {
	s := seeded()
	assert.Equal(t, "Ambassador Vex", s.Title("c1"))
	assert.Equal(t, "#war-room", s.Title("ch1"))
	assert.Equal(t, "You", s.SenderName("player"))
	assert.Equal(t, "system", s.SenderName(""))
	assert.Equal(t, "stranger", s.SenderName("stranger"))
}
