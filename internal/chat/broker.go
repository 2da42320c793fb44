// Package chat fans change notifications out to the views watching them.
package chat

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/logging"
)

// Kind says which part of the client state changed.
type Kind int

const (
	KindConversations Kind = iota + 1 // conversation or channel list
	KindMessages                      // messages of ParentID
	KindCharacters                    // roster or presence
	KindCall                          // call session
	KindSpeaking                      // speaking indicator
	KindVoice                         // voice mode on/off
	KindError                         // error marker or banner
)

func (k Kind) String() string {
	switch k {
	case KindConversations:
		return "conversations"
	case KindMessages:
		return "messages"
	case KindCharacters:
		return "characters"
	case KindCall:
		return "call"
	case KindSpeaking:
		return "speaking"
	case KindVoice:
		return "voice"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Update is a change notification. Receivers re-read state from its owner;
// the update carries only enough to decide whether to.
type Update struct {
	Kind        Kind
	ParentID    string
	CharacterID string
	Text        string
}

// Subscriber receives updates.
type Subscriber struct {
	ID   int
	Name string
	Ch   chan Update
	// Watching is the parent the subscriber has open ("" = none).
	Watching string
}

// Broker routes updates to subscribers. Sends never block: a subscriber
// whose buffer is full misses the update.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscriber
	nextID      int
	dropped     atomic.Uint64
	log         zerolog.Logger
}

// NewBroker creates a new update broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int]*Subscriber),
		nextID:      1,
		log:         logging.Component("broker"),
	}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe(name string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:   b.nextID,
		Name: name,
		Ch:   make(chan Update, 64),
	}
	b.nextID++
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Don't close the channel here: publishers may have already snapshotted
	// subscribers and will send concurrently.
	delete(b.subscribers, id)
}

// Publish sends an update to every subscriber.
func (b *Broker) Publish(u Update) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	b.fanOut(subs, u)
}

// PublishWatchers sends an update only to subscribers watching parentID.
func (b *Broker) PublishWatchers(parentID string, u Update) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.Watching == parentID {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	b.fanOut(subs, u)
}

// SendTo sends an update to one subscriber.
func (b *Broker) SendTo(id int, u Update) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return fmt.Errorf("subscriber %d not found", id)
	}
	select {
	case sub.Ch <- u:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("subscriber %d buffer full", id)
	}
}

func (b *Broker) fanOut(subs []*Subscriber, u Update) {
	dropped := 0
	for _, sub := range subs {
		select {
		case sub.Ch <- u:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		b.log.Debug().Int("dropped", dropped).Str("kind", u.Kind.String()).Msg("slow subscribers missed an update")
	}
}

// Watch records which parent a subscriber has open.
func (b *Broker) Watch(id int, parentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		sub.Watching = parentID
	}
}

// Watchers returns the names of subscribers watching parentID.
func (b *Broker) Watchers(parentID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for _, sub := range b.subscribers {
		if sub.Watching == parentID {
			names = append(names, sub.Name)
		}
	}
	return names
}

// Count returns the number of subscribers.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many updates were lost to full buffers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
