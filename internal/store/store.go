// Package store is the client's single source of truth for conversations,
// channels and their messages.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

// LocalPrefix marks ids of messages that exist only on this client.
const LocalPrefix = "local_"

var (
	ErrUnknownParent  = errors.New("unknown conversation or channel")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNothingToRetry = errors.New("nothing to retry")
)

// ReconciliationConflict is returned when the backend refuses an
// optimistic message.
type ReconciliationConflict struct {
	TempID string
	Err    error
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("message %s rejected: %v", e.TempID, e.Err)
}

func (e *ReconciliationConflict) Unwrap() error { return e.Err }

// Backend is the part of the transport client the store uses.
type Backend interface {
	FetchConversations(ctx context.Context, f transport.Filter) ([]model.Conversation, error)
	FetchChannels(ctx context.Context, f transport.Filter) ([]model.Channel, error)
	FetchMessages(ctx context.Context, parentID string, limit int) ([]model.Message, error)
	PostMessage(ctx context.Context, req transport.PostRequest) (model.Message, error)
	MarkRead(ctx context.Context, parentID string) error
	FetchCharacters(ctx context.Context, civilizationID string) ([]model.Character, error)
}

// Cache stores last-known-good backend data. *cache.Repo implements it.
type Cache interface {
	SaveCharacters(civID string, chars []model.Character) error
	Characters(civID string) ([]model.Character, error)
	SaveConversations(civID string, convs []model.Conversation) error
	Conversations(civID string) ([]model.Conversation, error)
	SaveChannels(civID string, chans []model.Channel) error
	Channels(civID string) ([]model.Channel, error)
	SaveMessages(parentID string, msgs []model.Message, keep int) error
	Messages(parentID string, limit int) ([]model.Message, error)
}

// Options configures a Store.
type Options struct {
	PlayerID       string
	CivilizationID string
	MatchWindow    time.Duration
	MessageLimit   int

	Backend Backend
	Cache   Cache        // optional
	Broker  *chat.Broker // optional

	Now   func() time.Time
	NewID func() string
}

// Store owns the conversation state. Every change goes through Reduce.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	degraded string

	// acks tracks fire-and-forget requests so Close can wait for them.
	acks   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = 10 * time.Second
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		opts:   opts,
		log:    logging.Component("store"),
		state:  NewState(opts.PlayerID, opts.MatchWindow),
		ctx:    ctx,
		cancel: cancel,
	}
}

// PlayerID returns the local player's id.
func (s *Store) PlayerID() string { return s.opts.PlayerID }

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies an action and announces what changed.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	prev := s.state
	s.state = Reduce(s.state, a)
	st := s.state
	s.mu.Unlock()

	s.announce(prev, a)
	return st
}

// parentOf finds the parent holding a temp message.
func parentOf(st State, tempID string) string {
	for parent, msgs := range st.Threads {
		if indexOf(msgs, tempID) >= 0 {
			return parent
		}
	}
	return ""
}

func (s *Store) announce(prev State, a Action) {
	b := s.opts.Broker
	if b == nil {
		return
	}
	switch a := a.(type) {
	case AppendOptimistic:
		s.announceParent(a.Message.ParentID)
	case AppendLocal:
		s.announceParent(a.Message.ParentID)
	case ReconcileOK:
		parent := parentOf(prev, a.TempID)
		if parent == "" {
			parent = a.Server.ParentID
		}
		s.announceParent(parent)
	case ReconcileErr:
		parent := parentOf(prev, a.TempID)
		s.announceParent(parent)
		if a.Err != nil {
			b.Publish(chat.Update{Kind: chat.KindError, ParentID: parent, Text: a.Err.Error()})
		}
	case MarkUnconfirmed:
		b.Publish(chat.Update{Kind: chat.KindMessages, ParentID: parentOf(prev, a.TempID)})
	case MarkPending:
		b.Publish(chat.Update{Kind: chat.KindMessages, ParentID: parentOf(prev, a.TempID)})
	case ApplyPush:
		switch {
		case a.Message != nil:
			s.announceParent(a.Message.ParentID)
		case a.Presence != nil:
			b.Publish(chat.Update{Kind: chat.KindCharacters, CharacterID: a.Presence.CharacterID})
		case a.Conversation != nil:
			b.Publish(chat.Update{Kind: chat.KindConversations, ParentID: a.Conversation.ID})
		}
	case ApplyFetch:
		s.announceParent(a.ParentID)
	case ApplyCharacters:
		b.Publish(chat.Update{Kind: chat.KindCharacters})
	case DismissError:
		b.Publish(chat.Update{Kind: chat.KindError, ParentID: a.ParentID})
	case MarkRead:
		s.announceParent(a.ParentID)
	default:
		b.Publish(chat.Update{Kind: chat.KindConversations})
	}
}

func (s *Store) announceParent(parentID string) {
	s.opts.Broker.Publish(chat.Update{Kind: chat.KindMessages, ParentID: parentID})
	s.opts.Broker.Publish(chat.Update{Kind: chat.KindConversations, ParentID: parentID})
}

// Degraded returns a non-empty reason while the store shows cached data
// because the backend could not be reached.
func (s *Store) Degraded() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) setDegraded(reason string) {
	s.mu.Lock()
	changed := s.degraded != reason
	s.degraded = reason
	s.mu.Unlock()
	if changed && s.opts.Broker != nil {
		s.opts.Broker.Publish(chat.Update{Kind: chat.KindError, Text: reason})
	}
}

// ListConversations returns conversations pinned first, then by most
// recent message.
func (s *Store) ListConversations(f Filter) []model.Conversation {
	return s.State().ListConversations(f)
}

// ListChannels returns channels in the same order as ListConversations.
func (s *Store) ListChannels(f Filter) []model.Channel {
	return s.State().ListChannels(f)
}

// Messages returns a parent's loaded messages in timestamp order.
func (s *Store) Messages(parentID string) []model.Message {
	return s.State().Messages(parentID)
}

// Title returns the display title of a parent.
func (s *Store) Title(parentID string) string { return s.State().Title(parentID) }

// SenderName resolves a sender id for display.
func (s *Store) SenderName(id string) string { return s.State().SenderName(id) }

// Character returns a character from the roster.
func (s *Store) Character(id string) (model.Character, bool) {
	c, ok := s.State().Characters[id]
	return c, ok
}

// Characters returns the roster in backend order.
func (s *Store) Characters() []model.Character { return s.State().RosterList() }

// Conversation returns a conversation by id.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	c, ok := s.State().Conversations[id]
	return c, ok
}

// Channel returns a channel by id.
func (s *Store) Channel(id string) (model.Channel, bool) {
	ch, ok := s.State().Channels[id]
	return ch, ok
}

// Errors returns the error markers on a parent.
func (s *Store) Errors(parentID string) []ParentError {
	return s.State().ParentErrors(parentID)
}

// Refresh reloads characters, conversations and channels in parallel.
// Any list the backend cannot deliver is taken from the cache and the
// store is marked degraded. Only non-network errors are returned.
func (s *Store) Refresh(ctx context.Context) error {
	civ := s.opts.CivilizationID
	filter := transport.Filter{CivilizationID: civ}

	var (
		chars []model.Character
		convs []model.Conversation
		chans []model.Channel
		mu    sync.Mutex
		fails []string
	)
	fail := func(what string, err error) error {
		if !transport.IsNetworkError(err) {
			return fmt.Errorf("load %s: %w", what, err)
		}
		s.log.Warn().Err(err).Str("list", what).Msg("backend unavailable, using cached data")
		mu.Lock()
		fails = append(fails, what)
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if chars, err = s.opts.Backend.FetchCharacters(gctx, civ); err != nil {
			chars = nil
			return fail("characters", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if convs, err = s.opts.Backend.FetchConversations(gctx, filter); err != nil {
			convs = nil
			return fail("conversations", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if chans, err = s.opts.Backend.FetchChannels(gctx, filter); err != nil {
			chans = nil
			return fail("channels", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	failed := func(what string) bool {
		for _, f := range fails {
			if f == what {
				return true
			}
		}
		return false
	}
	if c := s.opts.Cache; c != nil {
		if failed("characters") {
			chars, _ = c.Characters(civ)
		} else {
			s.cacheErr("characters", c.SaveCharacters(civ, chars))
		}
		if failed("conversations") {
			convs, _ = c.Conversations(civ)
		} else {
			s.cacheErr("conversations", c.SaveConversations(civ, convs))
		}
		if failed("channels") {
			chans, _ = c.Channels(civ)
		} else {
			s.cacheErr("channels", c.SaveChannels(civ, chans))
		}
	}

	s.Dispatch(ApplyCharacters{Characters: chars})
	s.Dispatch(ApplyConversations{Conversations: convs})
	s.Dispatch(ApplyChannels{Channels: chans})

	if len(fails) > 0 {
		s.setDegraded("Backend unreachable, showing saved " + strings.Join(fails, ", "))
	} else {
		s.setDegraded("")
	}
	return nil
}

func (s *Store) cacheErr(what string, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("list", what).Msg("could not update cache")
	}
}

// SelectConversation opens a parent: it is marked read (with exactly one
// acknowledgement to the backend) and its messages are fetched and merged.
func (s *Store) SelectConversation(ctx context.Context, parentID string) error {
	if !s.State().HasParent(parentID) {
		return ErrUnknownParent
	}
	s.Dispatch(Select{ParentID: parentID})
	s.MarkRead(parentID)
	return s.LoadMessages(ctx, parentID)
}

// Deselect closes the open parent. Messages arriving for it afterwards
// count as unread again.
func (s *Store) Deselect(parentID string) {
	if s.State().Selected != parentID {
		return
	}
	s.Dispatch(Select{ParentID: ""})
}

// LoadMessages fetches a parent's newest messages and merges them. On a
// network failure the cached copy is merged instead.
func (s *Store) LoadMessages(ctx context.Context, parentID string) error {
	if s.State().Local[parentID] {
		// created here; the backend creates it with the first message
		s.Dispatch(ApplyFetch{ParentID: parentID})
		return nil
	}
	msgs, err := s.opts.Backend.FetchMessages(ctx, parentID, s.opts.MessageLimit)
	if err != nil {
		if !transport.IsNetworkError(err) {
			return err
		}
		s.log.Warn().Err(err).Str("parent", parentID).Msg("could not fetch messages")
		if s.opts.Cache != nil {
			msgs, _ = s.opts.Cache.Messages(parentID, s.opts.MessageLimit)
		}
		s.setDegraded("Backend unreachable, showing saved messages")
		s.Dispatch(ApplyFetch{ParentID: parentID, Messages: msgs})
		return nil
	}
	if s.opts.Cache != nil {
		s.cacheErr("messages", s.opts.Cache.SaveMessages(parentID, msgs, s.opts.MessageLimit*4))
	}
	s.Dispatch(ApplyFetch{ParentID: parentID, Messages: msgs})
	return nil
}

// MarkRead clears a parent's unread count and acknowledges it to the
// backend without waiting.
func (s *Store) MarkRead(parentID string) {
	st := s.Dispatch(MarkRead{ParentID: parentID})
	if st.Local[parentID] {
		return
	}
	s.background(func(ctx context.Context) {
		if err := s.opts.Backend.MarkRead(ctx, parentID); err != nil {
			s.log.Debug().Err(err).Str("parent", parentID).Msg("read ack failed")
		}
	})
}

func (s *Store) background(fn func(ctx context.Context)) {
	s.acks.Add(1)
	go func() {
		defer s.acks.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// AppendOptimisticMessage adds a message before the backend has seen it.
// It is visible in Messages as soon as this returns.
func (s *Store) AppendOptimisticMessage(parentID, senderID, content string, typ model.MessageType) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if !s.State().HasParent(parentID) {
		return model.Message{}, ErrUnknownParent
	}
	if typ == "" {
		typ = model.MessageText
	}
	m := model.Message{
		ID:        model.TempPrefix + s.opts.NewID(),
		ParentID:  parentID,
		SenderID:  senderID,
		Content:   content,
		Type:      typ,
		Timestamp: s.opts.Now(),
		IsRead:    true,
		Status:    model.StatusPending,
	}
	s.Dispatch(AppendOptimistic{Message: m})
	return m, nil
}

// Reconcile settles a temp message: with a server copy it is replaced in
// place, with an error it is removed and an error marker recorded.
func (s *Store) Reconcile(tempID string, server *model.Message, err error) {
	if err != nil || server == nil {
		if err == nil {
			err = errors.New("no confirmation")
		}
		s.Dispatch(ReconcileErr{TempID: tempID, Err: err, At: s.opts.Now()})
		return
	}
	s.Dispatch(ReconcileOK{TempID: tempID, Server: *server})
}

// Send posts a message from the player with an optimistic local copy. If
// the request does not get through, the copy stays, tagged unconfirmed, and
// the network error is returned. If the backend refuses it, the copy is
// replaced by an error marker and a *ReconciliationConflict is returned.
func (s *Store) Send(ctx context.Context, parentID, content string, typ model.MessageType) (model.Message, error) {
	temp, err := s.AppendOptimisticMessage(parentID, s.opts.PlayerID, content, typ)
	if err != nil {
		return model.Message{}, err
	}
	return s.post(ctx, temp)
}

// SendAs posts a message from another sender, such as a character reply.
func (s *Store) SendAs(ctx context.Context, parentID, senderID, content string, typ model.MessageType) (model.Message, error) {
	temp, err := s.AppendOptimisticMessage(parentID, senderID, content, typ)
	if err != nil {
		return model.Message{}, err
	}
	return s.post(ctx, temp)
}

// Persist posts an already appended temp message.
func (s *Store) Persist(ctx context.Context, temp model.Message) (model.Message, error) {
	return s.post(ctx, temp)
}

func (s *Store) post(ctx context.Context, temp model.Message) (model.Message, error) {
	srv, err := s.opts.Backend.PostMessage(ctx, transport.PostRequest{
		ParentID:       temp.ParentID,
		SenderID:       temp.SenderID,
		Content:        temp.Content,
		Type:           temp.Type,
		CivilizationID: s.opts.CivilizationID,
		ClientID:       temp.ID,
	})
	switch {
	case err == nil:
		s.Reconcile(temp.ID, &srv, nil)
		if s.opts.Cache != nil {
			srv.ParentID = temp.ParentID
			s.cacheErr("messages", s.opts.Cache.SaveMessages(temp.ParentID, []model.Message{srv}, 0))
		}
		return srv, nil
	case transport.IsRejection(err):
		conflict := &ReconciliationConflict{TempID: temp.ID, Err: err}
		s.Reconcile(temp.ID, nil, conflict)
		return temp, conflict
	default:
		s.log.Warn().Err(err).Str("parent", temp.ParentID).Msg("message not delivered")
		s.Dispatch(MarkUnconfirmed{TempID: temp.ID})
		temp.Status = model.StatusUnconfirmed
		return temp, err
	}
}

// Retry re-sends the oldest unconfirmed message of a parent, or else the
// newest refused one.
func (s *Store) Retry(ctx context.Context, parentID string) (model.Message, error) {
	st := s.State()
	for _, m := range st.Threads[parentID] {
		if m.IsTemp() && m.Status == model.StatusUnconfirmed {
			s.Dispatch(MarkPending{TempID: m.ID})
			return s.post(ctx, m)
		}
	}
	errs := st.Errors[parentID]
	if len(errs) == 0 {
		return model.Message{}, ErrNothingToRetry
	}
	last := errs[len(errs)-1]
	s.Dispatch(DismissError{ParentID: parentID, TempID: last.TempID})
	return s.Send(ctx, parentID, last.Content, last.Type)
}

// DismissError removes an error marker; an empty tempID clears all of them.
func (s *Store) DismissError(parentID, tempID string) {
	s.Dispatch(DismissError{ParentID: parentID, TempID: tempID})
}

// AppendLocal adds a client-only message, such as a call notice.
func (s *Store) AppendLocal(parentID, senderID, content string, typ model.MessageType) (model.Message, error) {
	if !s.State().HasParent(parentID) {
		return model.Message{}, ErrUnknownParent
	}
	m := model.Message{
		ID:        LocalPrefix + s.opts.NewID(),
		ParentID:  parentID,
		SenderID:  senderID,
		Content:   content,
		Type:      typ,
		Timestamp: s.opts.Now(),
		IsRead:    true,
	}
	s.Dispatch(AppendLocal{Message: m})
	return m, nil
}

// ApplyPushEvent applies a push event. Malformed payloads are logged and
// dropped; events for parents not known locally are ignored.
func (s *Store) ApplyPushEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventNewMessage:
		m, err := ev.Message()
		if err != nil {
			s.log.Warn().Err(err).Msg("bad new_message event")
			return
		}
		known := s.State().HasParent(m.ParentID)
		s.Dispatch(ApplyPush{Message: &m})
		if known && s.opts.Cache != nil && !m.IsTemp() {
			s.cacheErr("messages", s.opts.Cache.SaveMessages(m.ParentID, []model.Message{m}, 0))
		}
	case transport.EventPresenceUpdate:
		p, err := ev.Presence()
		if err != nil {
			s.log.Warn().Err(err).Msg("bad presence_update event")
			return
		}
		s.Dispatch(ApplyPush{Presence: &p})
	case transport.EventConversationUpdate:
		u, err := ev.Conversation()
		if err != nil {
			s.log.Warn().Err(err).Msg("bad conversation_update event")
			return
		}
		s.Dispatch(ApplyPush{Conversation: &u})
	default:
		s.log.Debug().Str("type", string(ev.Type)).Msg("ignoring push event")
	}
}

// EnsureDirect returns the direct conversation with a character, creating
// a local one if none exists. created reports whether it was new.
func (s *Store) EnsureDirect(characterID string) (model.Conversation, bool, error) {
	st := s.State()
	if _, ok := st.Characters[characterID]; !ok {
		return model.Conversation{}, false, fmt.Errorf("unknown character %q", characterID)
	}
	want := []string{s.opts.PlayerID, characterID}
	for _, c := range st.Conversations {
		if c.Kind != model.KindGroup && model.SameParticipants(c.ParticipantIDs, want) {
			return c, false, nil
		}
	}
	return s.create(want, model.KindDirect, ""), true, nil
}

// CreateGroup starts a local group conversation with several characters.
func (s *Store) CreateGroup(title string, characterIDs []string) (model.Conversation, error) {
	st := s.State()
	ids := []string{s.opts.PlayerID}
	for _, id := range characterIDs {
		if _, ok := st.Characters[id]; !ok {
			return model.Conversation{}, fmt.Errorf("unknown character %q", id)
		}
		ids = append(ids, id)
	}
	ids = model.NormalizeParticipants(ids)
	if len(ids) < 2 {
		return model.Conversation{}, errors.New("a conversation needs at least one character")
	}
	kind := model.KindGroup
	if len(ids) == 2 {
		kind = model.KindDirect
	}
	return s.create(ids, kind, strings.TrimSpace(title)), nil
}

// create adds a conversation known only here. Its id is a plain id rather
// than a LocalPrefix one since the backend keeps it on the first post.
func (s *Store) create(ids []string, kind model.ConversationKind, title string) model.Conversation {
	c := model.Conversation{
		ID:              s.opts.NewID(),
		ParticipantIDs:  model.NormalizeParticipants(ids),
		Kind:            kind,
		Title:           title,
		LastMessageTime: s.opts.Now(),
		IsActive:        true,
	}
	s.Dispatch(AddConversation{Conversation: c})
	s.Dispatch(ApplyFetch{ParentID: c.ID})
	return c
}

// EligibleMembers returns the roster characters allowed in a channel.
func (s *Store) EligibleMembers(channelID string) []model.Character {
	st := s.State()
	ch, ok := st.Channels[channelID]
	if !ok {
		return nil
	}
	return ch.EligibleMembers(st.RosterList())
}

// Close waits for pending acknowledgements.
func (s *Store) Close() {
	s.cancel()
	s.acks.Wait()
}
