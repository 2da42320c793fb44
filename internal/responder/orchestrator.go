package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/store"
	"github.com/notepid/whoseapp/internal/transport"
	"github.com/notepid/whoseapp/internal/voice"
)

// ErrVoiceUnavailable is returned when voice mode cannot start.
var ErrVoiceUnavailable = errors.New("voice mode unavailable")

// Store is the part of the conversation store the orchestrator uses.
type Store interface {
	State() store.State
	Send(ctx context.Context, parentID, content string, typ model.MessageType) (model.Message, error)
	AppendOptimisticMessage(parentID, senderID, content string, typ model.MessageType) (model.Message, error)
	Persist(ctx context.Context, temp model.Message) (model.Message, error)
	AppendLocal(parentID, senderID, content string, typ model.MessageType) (model.Message, error)
}

// Voice is the part of VoiceIO the orchestrator uses.
type Voice interface {
	Speak(text string, p voice.Profile, onStart, onEnd func())
	StopSpeaking()
	StartContinuousListening(onTranscript func(string), onStopped func(error)) bool
	StopContinuousListening()
	LastError() error
}

// Options configures an Orchestrator.
type Options struct {
	Store    Store
	Voice    Voice // optional
	Profiles *voice.Profiles
	Policy   Policy
	Composer Composer
	Broker   *chat.Broker // optional
	// HistoryLen is how many recent player lines go to the composer.
	HistoryLen int
}

// Orchestrator selects, composes and delivers character replies, and runs
// hands-free voice mode for one parent at a time.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	voiceParent string
	voiceReason string

	// turn serializes voice turns so replies keep transcript order.
	turn   sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Policy == nil {
		opts.Policy = FirstEligible{}
	}
	if opts.Composer == nil {
		opts.Composer = NewTemplateComposer(time.Now().UnixNano())
	}
	if opts.Profiles == nil {
		opts.Profiles = voice.DefaultProfiles()
	}
	if opts.HistoryLen <= 0 {
		opts.HistoryLen = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		log:    logging.Component("responder"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SelectResponder returns the id of the character that answers in a parent.
func (o *Orchestrator) SelectResponder(parentID string) (string, error) {
	return o.opts.Policy.Select(o.opts.Store.State(), parentID)
}

// history returns the player's most recent lines in a parent. Character
// lines are left out so a generated reply never answers itself.
func (o *Orchestrator) history(st store.State, parentID string) []transport.HistoryEntry {
	var out []transport.HistoryEntry
	for _, m := range st.Messages(parentID) {
		if m.SenderID != st.PlayerID || m.Type == model.MessageSystem {
			continue
		}
		out = append(out, transport.HistoryEntry{Speaker: "user", Message: m.Content, Timestamp: m.Timestamp})
	}
	if len(out) > o.opts.HistoryLen {
		out = out[len(out)-o.opts.HistoryLen:]
	}
	return out
}

// Compose writes a character's reply without delivering it.
func (o *Orchestrator) Compose(ctx context.Context, parentID string, c model.Character, inbound string) (string, error) {
	st := o.opts.Store.State()
	return o.opts.Composer.Compose(ctx, Request{
		Character: c,
		Inbound:   inbound,
		History:   o.history(st, parentID),
		Voice:     o.VoiceActive(parentID),
	})
}

// Deliver puts a reply in the store, speaks it when voice mode is on for
// the parent, and persists it. The reply is in the store before speech
// starts.
func (o *Orchestrator) Deliver(ctx context.Context, parentID string, c model.Character, text string) (model.Message, error) {
	temp, err := o.opts.Store.AppendOptimisticMessage(parentID, c.ID, text, model.MessageText)
	if err != nil {
		return model.Message{}, err
	}
	if o.VoiceActive(parentID) && o.opts.Voice != nil {
		o.speak(parentID, c, temp.Content)
	}
	m, err := o.opts.Store.Persist(ctx, temp)
	if err != nil {
		o.log.Warn().Err(err).Str("parent", parentID).Str("character", c.ID).Msg("reply not persisted")
		return m, err
	}
	return m, nil
}

func (o *Orchestrator) speak(parentID string, c model.Character, text string) {
	b := o.opts.Broker
	o.opts.Voice.Speak(text, o.opts.Profiles.For(c),
		func() {
			if b != nil {
				b.Publish(chat.Update{Kind: chat.KindSpeaking, ParentID: parentID, CharacterID: c.ID})
			}
		},
		func() {
			if b != nil {
				b.Publish(chat.Update{Kind: chat.KindSpeaking, ParentID: parentID})
			}
		})
}

// Respond selects a character, composes its answer to inbound and delivers it.
func (o *Orchestrator) Respond(ctx context.Context, parentID, inbound string) (model.Message, error) {
	id, err := o.SelectResponder(parentID)
	if err != nil {
		return model.Message{}, err
	}
	c, ok := o.opts.Store.State().Characters[id]
	if !ok {
		c = model.Character{ID: id, Name: id}
	}
	text, err := o.Compose(ctx, parentID, c, inbound)
	if err != nil {
		return model.Message{}, fmt.Errorf("compose reply: %w", err)
	}
	return o.Deliver(ctx, parentID, c, text)
}

// Converse sends the player's message and, once the backend has it,
// answers it.
func (o *Orchestrator) Converse(ctx context.Context, parentID, text string, typ model.MessageType) (model.Message, error) {
	if _, err := o.opts.Store.Send(ctx, parentID, text, typ); err != nil {
		return model.Message{}, err
	}
	return o.Respond(ctx, parentID, text)
}

// Welcome adds a character's greeting to a conversation that was just
// opened. It is local only.
func (o *Orchestrator) Welcome(parentID string, c model.Character) (model.Message, error) {
	return o.opts.Store.AppendLocal(parentID, c.ID,
		fmt.Sprintf("Hello! I'm %s. How can I assist you today?", c.Name), model.MessageText)
}

// VoiceActive reports whether voice mode is on for a parent.
func (o *Orchestrator) VoiceActive(parentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return parentID != "" && o.voiceParent == parentID
}

// VoiceMode returns the parent in voice mode, if any, and why voice mode
// last turned off when that was not the player's choice.
func (o *Orchestrator) VoiceMode() (parentID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voiceParent, o.voiceReason
}

// SetVoiceMode turns hands-free conversation on or off for a parent.
// Turning it on elsewhere moves it. When the microphone can't be opened
// voice mode stays off and the reason is kept for VoiceMode.
func (o *Orchestrator) SetVoiceMode(parentID string, on bool) error {
	if !on {
		o.stopVoice(parentID, "")
		return nil
	}
	if o.opts.Voice == nil {
		o.disableVoice("voice is disabled in this client")
		return ErrVoiceUnavailable
	}

	o.mu.Lock()
	prev := o.voiceParent
	o.mu.Unlock()
	if prev == parentID {
		return nil
	}
	if prev != "" {
		o.stopVoice(prev, "")
	}

	ok := o.opts.Voice.StartContinuousListening(func(text string) {
		o.onTranscript(parentID, text)
	}, func(err error) {
		o.listenerStopped(parentID, err)
	})
	if !ok {
		reason := "microphone unavailable"
		if err := o.opts.Voice.LastError(); err != nil {
			reason = describeVoiceError(err)
		}
		o.disableVoice(reason)
		return fmt.Errorf("%w: %s", ErrVoiceUnavailable, reason)
	}

	o.mu.Lock()
	o.voiceParent = parentID
	o.voiceReason = ""
	o.mu.Unlock()
	o.log.Info().Str("parent", parentID).Msg("voice mode on")
	o.publishVoice(parentID, "")
	return nil
}

func describeVoiceError(err error) string {
	switch {
	case errors.Is(err, voice.ErrPermission):
		return "microphone access denied: allow recording and try again"
	case errors.Is(err, voice.ErrUnavailable):
		return "no speech engine installed"
	case errors.Is(err, voice.ErrStopped):
		return "the microphone stopped: turn voice mode on to try again"
	}
	return err.Error()
}

// listenerStopped turns voice mode off after the microphone gave up on
// its own. A session that was already moved elsewhere is left alone.
func (o *Orchestrator) listenerStopped(parentID string, err error) {
	o.mu.Lock()
	current := o.voiceParent == parentID
	o.mu.Unlock()
	if !current {
		return
	}
	o.disableVoice(describeVoiceError(err))
}

func (o *Orchestrator) disableVoice(reason string) {
	o.mu.Lock()
	parent := o.voiceParent
	o.voiceParent = ""
	o.voiceReason = reason
	o.mu.Unlock()
	o.log.Warn().Str("reason", reason).Msg("voice mode off")
	o.publishVoice(parent, reason)
}

func (o *Orchestrator) stopVoice(parentID, reason string) {
	o.mu.Lock()
	if o.voiceParent == "" || (parentID != "" && o.voiceParent != parentID) {
		o.mu.Unlock()
		return
	}
	parent := o.voiceParent
	o.voiceParent = ""
	o.voiceReason = reason
	o.mu.Unlock()

	if o.opts.Voice != nil {
		o.opts.Voice.StopContinuousListening()
		o.opts.Voice.StopSpeaking()
	}
	o.log.Info().Str("parent", parent).Msg("voice mode off")
	o.publishVoice(parent, reason)
}

func (o *Orchestrator) publishVoice(parentID, reason string) {
	if o.opts.Broker != nil {
		o.opts.Broker.Publish(chat.Update{Kind: chat.KindVoice, ParentID: parentID, Text: reason})
	}
}

// onTranscript runs on the listener goroutine, which must not stop
// itself, so the turn is handled on a goroutine of its own.
func (o *Orchestrator) onTranscript(parentID, text string) {
	if !o.VoiceActive(parentID) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.turn.Lock()
		defer o.turn.Unlock()
		if !o.VoiceActive(parentID) {
			return
		}
		if IsEndPhrase(text) {
			if _, err := o.opts.Store.Send(o.ctx, parentID, text, model.MessageVoice); err != nil {
				o.log.Warn().Err(err).Msg("closing line not sent")
			}
			o.stopVoice(parentID, "conversation ended")
			return
		}
		if _, err := o.Converse(o.ctx, parentID, text, model.MessageVoice); err != nil {
			o.log.Warn().Err(err).Str("parent", parentID).Msg("voice turn failed")
			if o.opts.Broker != nil {
				o.opts.Broker.Publish(chat.Update{Kind: chat.KindError, ParentID: parentID, Text: "Failed to process voice message. Please try again."})
			}
		}
	}()
}

var endPhrases = []string{"thank you", "thanks", "goodbye", "bye", "that's all", "stop", "end conversation"}

// IsEndPhrase reports whether a spoken line closes the conversation.
// Phrases match on whole words.
func IsEndPhrase(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	line := " " + strings.Join(words, " ") + " "
	for _, p := range endPhrases {
		if strings.Contains(line, " "+p+" ") {
			return true
		}
	}
	return false
}

// Close turns voice mode off and waits for voice turns in flight.
func (o *Orchestrator) Close() {
	o.stopVoice("", "")
	o.cancel()
	o.wg.Wait()
}
