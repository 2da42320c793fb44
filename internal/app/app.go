// Package app wires the client's components together from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/cache"
	"github.com/notepid/whoseapp/internal/call"
	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/config"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/responder"
	"github.com/notepid/whoseapp/internal/store"
	"github.com/notepid/whoseapp/internal/transport"
	"github.com/notepid/whoseapp/internal/voice"
)

// SystemSender is the sender id of client-generated notices.
const SystemSender = "system"

const prefLastParent = "last_parent"

type App struct {
	ConfigPath string
	Config     *config.Config

	DB    *cache.DB
	Cache *cache.Repo

	Client *transport.Client
	Push   *transport.Subscriber
	Broker *chat.Broker

	Store     *store.Store
	Calls     *call.Manager
	Voice     *voice.VoiceIO // nil when voice is disabled
	Profiles  *voice.Profiles
	Responder *responder.Orchestrator

	log    zerolog.Logger
	sub    *transport.Subscription
	closer func()
}

// Options adjust how New builds an App.
type Options struct {
	// Silent replaces the speech synthesizer with one that only keeps time.
	// SSH sessions use it since they have no local speaker.
	Silent bool
	// NoVoice disables voice even when configured.
	NoVoice bool
}

// New builds an App from the configuration file. The returned func
// releases everything New opened.
func New(configPath string, opts Options) (*App, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return FromConfig(configPath, cfg, opts)
}

// FromConfig builds an App from an already loaded configuration.
func FromConfig(configPath string, cfg *config.Config, opts Options) (*App, func(), error) {
	if err := os.MkdirAll(cfg.Paths.Data, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	database, err := cache.Open(cfg.Paths.Database)
	if err != nil {
		return nil, nil, err
	}

	client, err := transport.NewClient(transport.Options{
		BaseURL:           cfg.Backend.BaseURL,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	})
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	a := &App{
		ConfigPath: configPath,
		Config:     cfg,
		DB:         database,
		Cache:      cache.NewRepo(database.DB),
		Client:     client,
		Broker:     chat.NewBroker(),
		log:        logging.Component("app"),
	}

	backoff := transport.DefaultBackoff()
	backoff.Base = cfg.Push.BackoffBase
	backoff.Max = cfg.Push.BackoffMax
	a.Push = transport.NewSubscriber(cfg.Backend.PushURL, backoff)

	a.Store = store.New(store.Options{
		PlayerID:       cfg.Player.ID,
		CivilizationID: cfg.Player.CivilizationID,
		MatchWindow:    cfg.Store.MatchWindow,
		MessageLimit:   cfg.Store.MessageLimit,
		Backend:        client,
		Cache:          a.Cache,
		Broker:         a.Broker,
	})

	a.Calls = call.NewManager(call.Options{
		PlayerID:     cfg.Player.ID,
		CampaignID:   cfg.Player.CampaignID,
		Backend:      client,
		RingDelay:    call.RandomRingDelay(cfg.Call.RingDelayMin, cfg.Call.RingDelayMax, time.Now().UnixNano()),
		TickInterval: cfg.Call.TickInterval,
		GracePeriod:  cfg.Call.GracePeriod,
		Broker:       a.Broker,
		Notify:       a.callNotice,
	})

	a.Profiles = voice.DefaultProfiles()
	if cfg.Voice.Profiles != "" {
		p, err := voice.LoadProfiles(cfg.Voice.Profiles)
		if err != nil {
			a.log.Warn().Err(err).Str("path", cfg.Voice.Profiles).Msg("using default voice profiles")
		} else {
			a.Profiles = p
		}
	}
	if cfg.Voice.Enabled && !opts.NoVoice {
		a.Voice = a.buildVoice(opts.Silent)
	}

	composer, closeComposer, err := a.buildComposer()
	if err != nil {
		a.Calls.Close()
		if a.Voice != nil {
			a.Voice.Close()
		}
		a.Store.Close()
		database.Close()
		return nil, nil, err
	}

	ropts := responder.Options{
		Store:    a.Store,
		Profiles: a.Profiles,
		Composer: composer,
		Broker:   a.Broker,
	}
	if a.Voice != nil {
		ropts.Voice = a.Voice
	}
	a.Responder = responder.New(ropts)

	a.closer = func() {
		if a.sub != nil {
			a.sub.Close()
		}
		a.Responder.Close()
		a.Calls.Close()
		if a.Voice != nil {
			a.Voice.Close()
		}
		closeComposer()
		a.Store.Close()
		_ = database.Close()
	}
	return a, a.closer, nil
}

func (a *App) buildVoice(silent bool) *voice.VoiceIO {
	cfg := a.Config.Voice
	var synth voice.Synthesizer = voice.PacedSynthesizer{}
	if !silent {
		cs := &voice.CommandSynthesizer{Command: cfg.SynthCommand}
		if err := cs.Available(); err != nil {
			a.log.Warn().Err(err).Msg("speech synthesis unavailable, replies will be silent")
		} else {
			synth = cs
		}
	}
	var rec voice.Recognizer
	if !silent {
		rec = voice.NewSegmentRecognizer(&voice.CommandRecorder{Command: cfg.RecordCommand}, a.Client, cfg.Segment)
	}
	return voice.New(synth, rec)
}

func (a *App) buildComposer() (responder.Composer, func(), error) {
	cfg := a.Config.Responder
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	template := responder.NewTemplateComposer(seed)
	switch cfg.Strategy {
	case "script":
		s, err := responder.NewScriptComposer(cfg.Script, seed)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "remote":
		return responder.NewRemoteComposer(a.Client, template, a.Config.Player.CivilizationID), func() {}, nil
	default:
		return template, func() {}, nil
	}
}

// Start loads the conversation lists and opens the push channel. A
// backend that is down is not an error as long as the cache had data.
func (a *App) Start(ctx context.Context) error {
	if err := a.Store.Refresh(ctx); err != nil {
		return err
	}
	if reason := a.Store.Degraded(); reason != "" {
		a.log.Warn().Str("reason", reason).Msg("showing cached data")
	}
	if a.Config.Backend.PushURL == "" {
		return nil
	}
	sub, err := a.Push.Subscribe(ctx, a.Config.Player.CivilizationID, a.Store.ApplyPushEvent)
	if err != nil {
		return err
	}
	a.sub = sub
	return nil
}

// PushConnected reports whether the push channel currently has a socket.
func (a *App) PushConnected() bool {
	return a.sub != nil && a.sub.Connected()
}

// OpenDirect returns the direct conversation with a character. A new one
// gets the character's welcome message.
func (a *App) OpenDirect(characterID string) (model.Conversation, error) {
	conv, created, err := a.Store.EnsureDirect(characterID)
	if err != nil {
		return model.Conversation{}, err
	}
	if created {
		c, _ := a.Store.Character(characterID)
		if _, err := a.Responder.Welcome(conv.ID, c); err != nil {
			a.log.Warn().Err(err).Str("conversation", conv.ID).Msg("welcome message not added")
		}
	}
	return conv, nil
}

// StartCall calls a character from its direct conversation.
func (a *App) StartCall(characterID string) (model.CallSession, error) {
	conv, err := a.OpenDirect(characterID)
	if err != nil {
		return model.CallSession{}, err
	}
	return a.Calls.Start(characterID, conv.ID)
}

// callNotice logs call lifecycle notices into the call's conversation.
func (a *App) callNotice(c model.CallSession, text string) {
	parent := c.ConversationID
	if parent == "" {
		conv, _, err := a.Store.EnsureDirect(c.CharacterID)
		if err != nil {
			a.log.Warn().Err(err).Str("call", c.ID).Msg("no conversation for call notice")
			return
		}
		parent = conv.ID
	}
	if c.FailureReason != "" && c.Status == model.CallFailed {
		text += ": " + c.FailureReason
	}
	if _, err := a.Store.AppendLocal(parent, SystemSender, text, model.MessageSystem); err != nil {
		a.log.Warn().Err(err).Str("call", c.ID).Msg("call notice dropped")
	}
}

// ResolveParent turns a conversation id, channel id or character id into
// a loaded thread. A character id opens its direct conversation.
func (a *App) ResolveParent(ctx context.Context, ref string) (string, error) {
	parent := ref
	if !a.Store.State().HasParent(ref) {
		if _, ok := a.Store.Character(ref); !ok {
			return "", fmt.Errorf("no conversation, channel or character %q", ref)
		}
		conv, err := a.OpenDirect(ref)
		if err != nil {
			return "", err
		}
		parent = conv.ID
	}
	if err := a.Store.SelectConversation(ctx, parent); err != nil {
		return "", err
	}
	a.RememberParent(parent)
	return parent, nil
}

// LastParent returns the conversation or channel open when the client
// last exited, if it still exists.
func (a *App) LastParent() string {
	id, ok, err := a.Cache.Preference(prefLastParent)
	if err != nil {
		a.log.Warn().Err(err).Msg("load last conversation")
		return ""
	}
	if !ok || !a.Store.State().HasParent(id) {
		return ""
	}
	return id
}

// RememberParent records the open conversation or channel.
func (a *App) RememberParent(id string) {
	if err := a.Cache.SetPreference(prefLastParent, id); err != nil {
		a.log.Warn().Err(err).Msg("save last conversation")
	}
}

// Thread adapts the store and orchestrator for line-mode sessions.
func (a *App) Thread() chat.Thread {
	return thread{a}
}

type thread struct{ a *App }

func (t thread) Title(parentID string) string             { return t.a.Store.Title(parentID) }
func (t thread) Messages(parentID string) []model.Message { return t.a.Store.Messages(parentID) }
func (t thread) SenderName(id string) string {
	if id == SystemSender {
		return "system"
	}
	return t.a.Store.SenderName(id)
}

func (t thread) Leave(parentID string) { t.a.Store.Deselect(parentID) }

func (t thread) Send(ctx context.Context, parentID, text string) error {
	_, err := t.a.Responder.Converse(ctx, parentID, text, model.MessageText)
	return err
}
