package store

import (
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

const summaryLen = 80

// ParentError marks a message the backend refused. The content is kept so
// the user can retry it.
type ParentError struct {
	TempID  string
	Content string
	Type    model.MessageType
	Err     error
	At      time.Time
}

// State is an immutable snapshot of everything the store knows. Reduce
// never modifies a State it is given, so snapshots may be shared freely.
type State struct {
	PlayerID    string
	MatchWindow time.Duration
	Selected    string

	Conversations map[string]model.Conversation
	Channels      map[string]model.Channel
	Characters    map[string]model.Character
	Roster        []string

	// Threads holds the message lists of parents whose messages have been
	// loaded. A parent missing here is known by summary only.
	Threads map[string][]model.Message
	Errors  map[string][]ParentError

	// Local marks conversations created on this client that the backend
	// has not confirmed a message for yet.
	Local map[string]bool
	// Seen holds ids of pushed messages counted for parents whose thread
	// is not loaded, so a redelivery doesn't count twice.
	Seen map[string]bool
}

// NewState returns an empty state for a player.
func NewState(playerID string, matchWindow time.Duration) State {
	return State{
		PlayerID:      playerID,
		MatchWindow:   matchWindow,
		Conversations: map[string]model.Conversation{},
		Channels:      map[string]model.Channel{},
		Characters:    map[string]model.Character{},
		Threads:       map[string][]model.Message{},
		Errors:        map[string][]ParentError{},
		Local:         map[string]bool{},
		Seen:          map[string]bool{},
	}
}

// Action is a state transition understood by Reduce.
type Action interface{ action() }

type (
	// AppendOptimistic adds a not yet confirmed message.
	AppendOptimistic struct{ Message model.Message }
	// ReconcileOK replaces a temp message with the server's copy.
	ReconcileOK struct {
		TempID string
		Server model.Message
	}
	// ReconcileErr removes a temp message the backend refused.
	ReconcileErr struct {
		TempID string
		Err    error
		At     time.Time
	}
	// MarkUnconfirmed flags a temp message whose send did not get through.
	MarkUnconfirmed struct{ TempID string }
	// MarkPending flags a temp message as being sent again.
	MarkPending struct{ TempID string }
	// ApplyPush applies one decoded push event. Exactly one field is set.
	ApplyPush struct {
		Message      *model.Message
		Presence     *transport.PresenceUpdate
		Conversation *transport.ConversationUpdate
	}
	// ApplyFetch merges a fetched page of messages into a thread.
	ApplyFetch struct {
		ParentID string
		Messages []model.Message
	}
	ApplyConversations struct{ Conversations []model.Conversation }
	ApplyChannels      struct{ Channels []model.Channel }
	ApplyCharacters    struct{ Characters []model.Character }
	// AddConversation registers a conversation created on this client.
	AddConversation struct{ Conversation model.Conversation }
	Select          struct{ ParentID string }
	MarkRead        struct{ ParentID string }
	// AppendLocal adds a client-only message such as a call notice.
	AppendLocal  struct{ Message model.Message }
	DismissError struct {
		ParentID string
		TempID   string // empty dismisses all
	}
)

func (AppendOptimistic) action()   {}
func (ReconcileOK) action()        {}
func (ReconcileErr) action()       {}
func (MarkUnconfirmed) action()    {}
func (MarkPending) action()        {}
func (ApplyPush) action()          {}
func (ApplyFetch) action()         {}
func (ApplyConversations) action() {}
func (ApplyChannels) action()      {}
func (ApplyCharacters) action()    {}
func (AddConversation) action()    {}
func (Select) action()             {}
func (MarkRead) action()           {}
func (AppendLocal) action()        {}
func (DismissError) action()       {}

// Reduce returns the state after applying a.
func Reduce(s State, a Action) State {
	r := &reducer{s: s}
	switch a := a.(type) {
	case AppendOptimistic:
		r.appendOptimistic(a.Message)
	case ReconcileOK:
		r.reconcileOK(a.TempID, a.Server)
	case ReconcileErr:
		r.reconcileErr(a.TempID, a.Err, a.At)
	case MarkUnconfirmed:
		r.setStatus(a.TempID, model.StatusUnconfirmed)
	case MarkPending:
		r.setStatus(a.TempID, model.StatusPending)
	case ApplyPush:
		switch {
		case a.Message != nil:
			r.pushMessage(*a.Message)
		case a.Presence != nil:
			r.pushPresence(*a.Presence)
		case a.Conversation != nil:
			r.pushConversation(*a.Conversation)
		}
	case ApplyFetch:
		r.applyFetch(a.ParentID, a.Messages)
	case ApplyConversations:
		r.applyConversations(a.Conversations)
	case ApplyChannels:
		r.applyChannels(a.Channels)
	case ApplyCharacters:
		r.applyCharacters(a.Characters)
	case AddConversation:
		c := a.Conversation
		r.convs()[c.ID] = c
		r.local()[c.ID] = true
	case Select:
		r.s.Selected = a.ParentID
	case MarkRead:
		r.markRead(a.ParentID)
	case AppendLocal:
		r.appendLocal(a.Message)
	case DismissError:
		r.dismissError(a.ParentID, a.TempID)
	}
	return r.s
}

// reducer clones each map of the state at most once, on first write.
type reducer struct {
	s State

	convsCloned, chansCloned, charsCloned bool
	threadsCloned, errorsCloned           bool
	localCloned, seenCloned               bool
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return maps.Clone(m)
}

func (r *reducer) convs() map[string]model.Conversation {
	if !r.convsCloned {
		r.s.Conversations = cloneMap(r.s.Conversations)
		r.convsCloned = true
	}
	return r.s.Conversations
}

func (r *reducer) chans() map[string]model.Channel {
	if !r.chansCloned {
		r.s.Channels = cloneMap(r.s.Channels)
		r.chansCloned = true
	}
	return r.s.Channels
}

func (r *reducer) chars() map[string]model.Character {
	if !r.charsCloned {
		r.s.Characters = cloneMap(r.s.Characters)
		r.charsCloned = true
	}
	return r.s.Characters
}

func (r *reducer) threads() map[string][]model.Message {
	if !r.threadsCloned {
		r.s.Threads = cloneMap(r.s.Threads)
		r.threadsCloned = true
	}
	return r.s.Threads
}

func (r *reducer) errs() map[string][]ParentError {
	if !r.errorsCloned {
		r.s.Errors = cloneMap(r.s.Errors)
		r.errorsCloned = true
	}
	return r.s.Errors
}

func (r *reducer) local() map[string]bool {
	if !r.localCloned {
		r.s.Local = cloneMap(r.s.Local)
		r.localCloned = true
	}
	return r.s.Local
}

func (r *reducer) seen() map[string]bool {
	if !r.seenCloned {
		r.s.Seen = cloneMap(r.s.Seen)
		r.seenCloned = true
	}
	return r.s.Seen
}

// thread returns a private copy of a parent's messages and whether the
// parent is loaded.
func (r *reducer) thread(parentID string) ([]model.Message, bool) {
	msgs, ok := r.s.Threads[parentID]
	if !ok {
		return nil, false
	}
	return append([]model.Message(nil), msgs...), true
}

func (r *reducer) setThread(parentID string, msgs []model.Message) {
	r.threads()[parentID] = msgs
}

// findTemp locates a temp message by id across all threads.
func (r *reducer) findTemp(tempID string) (string, int) {
	for parent, msgs := range r.s.Threads {
		if i := indexOf(msgs, tempID); i >= 0 {
			return parent, i
		}
	}
	return "", -1
}

func indexOf(msgs []model.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted inserts m after every message with an equal or earlier
// timestamp, keeping arrival order among equal timestamps.
func insertSorted(msgs []model.Message, m model.Message) []model.Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp.After(m.Timestamp) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
}

// matchesTemp reports whether a confirmed message m is the server's copy of
// the temp message t. An echoed client id is authoritative; without one,
// the same sender and content within the match window is taken as a match.
func (s State) matchesTemp(t, m model.Message) bool {
	if !t.IsTemp() {
		return false
	}
	if m.ClientID != "" {
		return m.ClientID == t.ID
	}
	if t.SenderID != m.SenderID || t.Content != m.Content {
		return false
	}
	d := t.Timestamp.Sub(m.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= s.MatchWindow
}

// touch updates a parent's summary from m if m is its newest message.
func (r *reducer) touch(parentID string, m model.Message, unread bool) {
	if c, ok := r.s.Conversations[parentID]; ok {
		if !m.Timestamp.Before(c.LastMessageTime) {
			c.LastMessageSummary = m.Summary(summaryLen)
			c.LastMessageTime = m.Timestamp
		}
		if unread {
			c.UnreadCount++
		}
		r.convs()[parentID] = c
		return
	}
	if ch, ok := r.s.Channels[parentID]; ok {
		if !m.Timestamp.Before(ch.LastMessageTime) {
			ch.LastMessageSummary = m.Summary(summaryLen)
			ch.LastMessageTime = m.Timestamp
		}
		if unread {
			ch.UnreadCount++
		}
		r.chans()[parentID] = ch
	}
}

// resummarize sets a parent's summary from its last loaded message.
func (r *reducer) resummarize(parentID string) {
	msgs := r.s.Threads[parentID]
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if c, ok := r.s.Conversations[parentID]; ok {
		c.LastMessageSummary = last.Summary(summaryLen)
		c.LastMessageTime = last.Timestamp
		r.convs()[parentID] = c
	}
	if ch, ok := r.s.Channels[parentID]; ok {
		ch.LastMessageSummary = last.Summary(summaryLen)
		ch.LastMessageTime = last.Timestamp
		r.chans()[parentID] = ch
	}
}

func (r *reducer) appendOptimistic(m model.Message) {
	if !r.s.HasParent(m.ParentID) {
		return
	}
	msgs, _ := r.thread(m.ParentID)
	m.Status = model.StatusPending
	r.setThread(m.ParentID, insertSorted(msgs, m))
	r.touch(m.ParentID, m, false)
}

func (r *reducer) reconcileOK(tempID string, srv model.Message) {
	parent, ti := r.findTemp(tempID)
	if parent == "" {
		parent = srv.ParentID
	}
	if parent == "" {
		return
	}
	srv.ParentID = parent
	srv.ClientID = tempID
	srv.Status = model.StatusConfirmed
	if r.s.Local[parent] {
		// the backend created it with this message
		delete(r.local(), parent)
	}

	msgs, loaded := r.thread(parent)
	if !loaded {
		r.touch(parent, srv, false)
		return
	}
	si := indexOf(msgs, srv.ID)
	switch {
	case ti >= 0 && si >= 0:
		// a push delivered the confirmed copy first
		msgs[si] = srv
		msgs = append(msgs[:ti], msgs[ti+1:]...)
		sortMessages(msgs)
	case ti >= 0:
		msgs[ti] = srv
		sortMessages(msgs)
	case si >= 0:
		msgs[si] = srv
		sortMessages(msgs)
	default:
		msgs = insertSorted(msgs, srv)
	}
	r.setThread(parent, msgs)
	r.touch(parent, srv, false)
}

func (r *reducer) reconcileErr(tempID string, err error, at time.Time) {
	parent, ti := r.findTemp(tempID)
	if ti < 0 {
		return
	}
	msgs, _ := r.thread(parent)
	t := msgs[ti]
	msgs = append(msgs[:ti], msgs[ti+1:]...)
	r.setThread(parent, msgs)
	r.resummarize(parent)

	errs := append([]ParentError(nil), r.s.Errors[parent]...)
	errs = append(errs, ParentError{TempID: t.ID, Content: t.Content, Type: t.Type, Err: err, At: at})
	r.errs()[parent] = errs
}

func (r *reducer) setStatus(tempID string, status model.DeliveryStatus) {
	parent, ti := r.findTemp(tempID)
	if ti < 0 {
		return
	}
	msgs, _ := r.thread(parent)
	msgs[ti].Status = status
	r.setThread(parent, msgs)
}

func (r *reducer) pushMessage(m model.Message) {
	parent := m.ParentID
	if m.ID == "" || !r.s.HasParent(parent) {
		return
	}
	m.Status = model.StatusConfirmed
	fresh := true

	msgs, loaded := r.thread(parent)
	if loaded {
		if i := indexOf(msgs, m.ID); i >= 0 {
			if m.ClientID == "" {
				m.ClientID = msgs[i].ClientID
			}
			msgs[i] = m
			sortMessages(msgs)
			fresh = false
		} else if i := r.matchTemp(msgs, m); i >= 0 {
			m.ClientID = msgs[i].ID
			msgs[i] = m
			sortMessages(msgs)
			fresh = false
		} else {
			msgs = insertSorted(msgs, m)
		}
		r.setThread(parent, msgs)
	} else {
		if r.s.Seen[m.ID] {
			fresh = false
		} else {
			r.seen()[m.ID] = true
		}
	}

	unread := fresh && parent != r.s.Selected && m.SenderID != r.s.PlayerID
	r.touch(parent, m, unread)
}

func (r *reducer) matchTemp(msgs []model.Message, m model.Message) int {
	for i := range msgs {
		if r.s.matchesTemp(msgs[i], m) {
			return i
		}
	}
	return -1
}

func (r *reducer) pushPresence(p transport.PresenceUpdate) {
	c, ok := r.s.Characters[p.CharacterID]
	if !ok {
		return
	}
	c.Presence = p.Status
	if p.StatusMessage != nil {
		c.StatusMessage = *p.StatusMessage
	}
	r.chars()[c.ID] = c
}

func (r *reducer) pushConversation(u transport.ConversationUpdate) {
	if c, ok := r.s.Conversations[u.ID]; ok {
		if u.Title != nil {
			c.Title = *u.Title
		}
		if u.LastMessage != nil {
			c.LastMessageSummary = *u.LastMessage
		}
		if u.LastMessageTime != nil {
			c.LastMessageTime = *u.LastMessageTime
		}
		if u.IsPinned != nil {
			c.IsPinned = *u.IsPinned
		}
		if u.IsActive != nil {
			c.IsActive = *u.IsActive
		}
		r.convs()[c.ID] = c
		return
	}
	if ch, ok := r.s.Channels[u.ID]; ok {
		if u.Title != nil {
			ch.Name = *u.Title
		}
		if u.LastMessage != nil {
			ch.LastMessageSummary = *u.LastMessage
		}
		if u.LastMessageTime != nil {
			ch.LastMessageTime = *u.LastMessageTime
		}
		if u.IsPinned != nil {
			ch.IsPinned = *u.IsPinned
		}
		if u.IsActive != nil {
			ch.IsActive = *u.IsActive
		}
		r.chans()[ch.ID] = ch
	}
}

func (r *reducer) applyFetch(parentID string, page []model.Message) {
	if !r.s.HasParent(parentID) {
		return
	}
	existing := r.s.Threads[parentID]

	out := make([]model.Message, 0, len(page)+len(existing))
	inPage := make(map[string]bool, len(page))
	for _, m := range page {
		m.ParentID = parentID
		m.Status = model.StatusConfirmed
		if i := indexOf(existing, m.ID); i >= 0 && m.ClientID == "" {
			m.ClientID = existing[i].ClientID
		}
		inPage[m.ID] = true
		out = append(out, m)
	}

	claimed := make([]bool, len(out))
	for _, x := range existing {
		if inPage[x.ID] {
			continue
		}
		if x.IsTemp() {
			matched := false
			for i := range out {
				if !claimed[i] && r.s.matchesTemp(x, out[i]) {
					claimed[i] = true
					out[i].ClientID = x.ID
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}
		out = append(out, x)
	}
	sortMessages(out)
	r.setThread(parentID, out)
	if len(out) > 0 {
		r.touch(parentID, out[len(out)-1], false)
	}
}

func (r *reducer) applyConversations(list []model.Conversation) {
	next := make(map[string]model.Conversation, len(list))
	local := cloneMap(r.s.Local)
	for _, c := range list {
		c.ParticipantIDs = model.NormalizeParticipants(c.ParticipantIDs)
		if c.ID == r.s.Selected {
			c.UnreadCount = 0
		}
		next[c.ID] = c
		delete(local, c.ID)
	}
	for id := range local {
		if c, ok := r.s.Conversations[id]; ok {
			next[id] = c
		} else {
			delete(local, id)
		}
	}
	r.s.Conversations = next
	r.convsCloned = true
	r.s.Local = local
	r.localCloned = true
}

func (r *reducer) applyChannels(list []model.Channel) {
	next := make(map[string]model.Channel, len(list))
	for _, ch := range list {
		if ch.ID == r.s.Selected {
			ch.UnreadCount = 0
		}
		next[ch.ID] = ch
	}
	r.s.Channels = next
	r.chansCloned = true
}

func (r *reducer) applyCharacters(list []model.Character) {
	next := make(map[string]model.Character, len(list))
	roster := make([]string, 0, len(list))
	for _, c := range list {
		if _, dup := next[c.ID]; !dup {
			roster = append(roster, c.ID)
		}
		next[c.ID] = c
	}
	r.s.Characters = next
	r.charsCloned = true
	r.s.Roster = roster
}

func (r *reducer) markRead(parentID string) {
	if c, ok := r.s.Conversations[parentID]; ok {
		c.UnreadCount = 0
		r.convs()[parentID] = c
	}
	if ch, ok := r.s.Channels[parentID]; ok {
		ch.UnreadCount = 0
		r.chans()[parentID] = ch
	}
	if msgs, ok := r.thread(parentID); ok {
		for i := range msgs {
			msgs[i].IsRead = true
		}
		r.setThread(parentID, msgs)
	}
}

func (r *reducer) appendLocal(m model.Message) {
	if !r.s.HasParent(m.ParentID) {
		return
	}
	msgs, _ := r.thread(m.ParentID)
	if indexOf(msgs, m.ID) >= 0 {
		return
	}
	m.Status = model.StatusConfirmed
	r.setThread(m.ParentID, insertSorted(msgs, m))
	r.touch(m.ParentID, m, false)
}

func (r *reducer) dismissError(parentID, tempID string) {
	errs := r.s.Errors[parentID]
	if len(errs) == 0 {
		return
	}
	if tempID == "" {
		delete(r.errs(), parentID)
		return
	}
	kept := make([]ParentError, 0, len(errs))
	for _, e := range errs {
		if e.TempID != tempID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.errs(), parentID)
		return
	}
	r.errs()[parentID] = kept
}

// Filter narrows list views.
type Filter struct {
	// Query matches titles, summaries and participant names, case-insensitively.
	Query      string
	UnreadOnly bool
	// ActiveOnly hides entries the backend marked inactive.
	ActiveOnly bool
}

// HasParent reports whether id is a known conversation or channel.
func (s State) HasParent(id string) bool {
	if _, ok := s.Conversations[id]; ok {
		return true
	}
	_, ok := s.Channels[id]
	return ok
}

// Loaded reports whether a parent's messages have been loaded.
func (s State) Loaded(parentID string) bool {
	_, ok := s.Threads[parentID]
	return ok
}

// Messages returns a copy of a parent's messages in timestamp order.
func (s State) Messages(parentID string) []model.Message {
	return append([]model.Message(nil), s.Threads[parentID]...)
}

// ParentErrors returns the error markers of a parent.
func (s State) ParentErrors(parentID string) []ParentError {
	return append([]ParentError(nil), s.Errors[parentID]...)
}

// SenderName resolves a sender id for display.
func (s State) SenderName(id string) string {
	if id == s.PlayerID {
		return "You"
	}
	if c, ok := s.Characters[id]; ok {
		return c.Name
	}
	if id == "" || id == "system" {
		return "system"
	}
	return id
}

// Title returns the display title of a conversation or channel.
func (s State) Title(parentID string) string {
	if c, ok := s.Conversations[parentID]; ok {
		if c.Title != "" {
			return c.Title
		}
		var names []string
		for _, id := range c.ParticipantIDs {
			if id != s.PlayerID {
				names = append(names, s.SenderName(id))
			}
		}
		if len(names) == 0 {
			return "Conversation"
		}
		return strings.Join(names, ", ")
	}
	if ch, ok := s.Channels[parentID]; ok {
		return "#" + ch.Name
	}
	return parentID
}

// RosterList returns the characters in backend order.
func (s State) RosterList() []model.Character {
	out := make([]model.Character, 0, len(s.Roster))
	for _, id := range s.Roster {
		if c, ok := s.Characters[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s State) matchQuery(q, title, summary string) bool {
	if q == "" {
		return true
	}
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(title), q) || strings.Contains(strings.ToLower(summary), q)
}

// ListConversations returns conversations pinned first, then most recent
// first. Ties break on id so the order is total.
func (s State) ListConversations(f Filter) []model.Conversation {
	out := make([]model.Conversation, 0, len(s.Conversations))
	for id, c := range s.Conversations {
		if f.ActiveOnly && !c.IsActive && !s.Local[id] {
			continue
		}
		if f.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if !s.matchQuery(f.Query, s.Title(id), c.LastMessageSummary) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return listLess(out[i].IsPinned, out[j].IsPinned, out[i].LastMessageTime, out[j].LastMessageTime, out[i].ID, out[j].ID)
	})
	return out
}

// ListChannels returns channels in the same order as ListConversations.
func (s State) ListChannels(f Filter) []model.Channel {
	out := make([]model.Channel, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if f.ActiveOnly && !ch.IsActive {
			continue
		}
		if f.UnreadOnly && ch.UnreadCount == 0 {
			continue
		}
		if !s.matchQuery(f.Query, ch.Name, ch.LastMessageSummary) {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return listLess(out[i].IsPinned, out[j].IsPinned, out[i].LastMessageTime, out[j].LastMessageTime, out[i].ID, out[j].ID)
	})
	return out
}

func listLess(pi, pj bool, ti, tj time.Time, idi, idj string) bool {
	if pi != pj {
		return pi
	}
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi < idj
}
