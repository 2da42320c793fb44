package call

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

// Backend is the part of the transport client calls need.
type Backend interface {
	InitiateCall(ctx context.Context, req transport.CallRequest) (transport.CallRecord, error)
	UpdateCallStatus(ctx context.Context, callID string, status model.CallStatus, endTime *time.Time) error
}

// Options configures a Manager.
type Options struct {
	PlayerID   string
	CampaignID string
	Backend    Backend

	// RingDelay models the character picking up. It must return early
	// with ctx.Err() when ctx is cancelled.
	RingDelay    func(ctx context.Context) error
	TickInterval time.Duration
	// GracePeriod is how long an ended or failed session stays readable.
	GracePeriod time.Duration

	Broker *chat.Broker // optional
	// Notify receives call lifecycle notices for the conversation log.
	Notify  func(c model.CallSession, text string)
	Quality func() model.CallQuality
	Now     func() time.Time
}

// RandomRingDelay returns a ring delay drawn uniformly from [min, max].
func RandomRingDelay(min, max time.Duration, seed int64) func(ctx context.Context) error {
	if max < min {
		max = min
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(ctx context.Context) error {
		mu.Lock()
		d := min
		if max > min {
			d += time.Duration(rng.Int63n(int64(max - min + 1)))
		}
		mu.Unlock()

		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

func defaultQuality() func() model.CallQuality {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() model.CallQuality {
		mu.Lock()
		defer mu.Unlock()
		return model.CallQuality{
			AudioQuality:        0.85 + rng.Float64()*0.15,
			ConnectionStability: 0.9 + rng.Float64()*0.1,
			LatencyMs:           20 + rng.Intn(60),
		}
	}
}

// Manager owns all call sessions and allows one non-terminal call at a time.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	active    string
	observers map[int]func(model.CallSession)
	nextObs   int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a call manager.
func NewManager(opts Options) *Manager {
	if opts.RingDelay == nil {
		opts.RingDelay = RandomRingDelay(2*time.Second, 5*time.Second, time.Now().UnixNano())
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.Quality == nil {
		opts.Quality = defaultQuality()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		log:       logging.Component("call"),
		sessions:  make(map[string]*Session),
		observers: make(map[int]func(model.CallSession)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Observe registers fn to receive a snapshot on every change of any call.
// The returned func unregisters it.
func (m *Manager) Observe(fn func(model.CallSession)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) emit(c model.CallSession) {
	m.mu.Lock()
	obs := make([]func(model.CallSession), 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.mu.Unlock()

	for _, fn := range obs {
		fn(c)
	}
	if m.opts.Broker != nil {
		m.opts.Broker.Publish(chat.Update{Kind: chat.KindCall, ParentID: c.ConversationID, CharacterID: c.CharacterID, Text: string(c.Status)})
	}
}

func (m *Manager) notify(c model.CallSession, text string) {
	if m.opts.Notify != nil {
		m.opts.Notify(c, text)
	}
}

// Start begins a call with a character. It returns at once with the
// session in initiating; the rest of the lifecycle runs in the background.
func (m *Manager) Start(characterID, conversationID string) (model.CallSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.CallSession{}, ErrClosed
	}
	if cur, ok := m.sessions[m.active]; ok && !cur.Snapshot().Status.Terminal() {
		m.mu.Unlock()
		return model.CallSession{}, ErrCallActive
	}
	sess := newSession(m.ctx, model.CallSession{
		ID:             uuid.NewString(),
		CharacterID:    characterID,
		ConversationID: conversationID,
		Status:         model.CallInitiating,
		Volume:         80,
	})
	id := sess.call.ID
	m.sessions[id] = sess
	m.active = id
	m.wg.Add(1)
	m.mu.Unlock()

	snap := sess.Snapshot()
	m.log.Info().Str("call", id).Str("character", characterID).Msg("call initiating")
	m.notify(snap, "Call initiated")
	m.emit(snap)

	go m.run(sess)
	return snap, nil
}

func (m *Manager) run(sess *Session) {
	defer m.wg.Done()
	ctx := sess.ctx
	snap := sess.Snapshot()

	rec, err := m.opts.Backend.InitiateCall(ctx, transport.CallRequest{
		CallerID:    m.opts.PlayerID,
		RecipientID: snap.CharacterID,
		CallType:    "voice",
		CampaignID:  m.opts.CampaignID,
	})
	if err != nil {
		m.fail(sess, err)
		return
	}
	sess.mu.Lock()
	sess.remoteID = rec.ID
	ended := sess.call.Status.Terminal()
	c := sess.snapshotLocked()
	sess.mu.Unlock()
	if ended {
		// hung up while the backend was creating the record
		m.report(rec.ID, c)
		return
	}

	if !m.advance(sess, model.CallRinging) {
		return
	}
	if err := m.opts.RingDelay(ctx); err != nil {
		m.fail(sess, err)
		return
	}
	if err := m.opts.Backend.UpdateCallStatus(ctx, rec.ID, model.CallConnected, nil); err != nil {
		m.fail(sess, err)
		return
	}
	if !m.advance(sess, model.CallConnected) {
		return
	}

	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.mu.Lock()
			if sess.call.Status != model.CallConnected {
				sess.mu.Unlock()
				return
			}
			sess.call.DurationSeconds++
			c := sess.snapshotLocked()
			sess.mu.Unlock()
			m.emit(c)
		}
	}
}

// advance moves a session forward. It reports false when the session was
// ended in the meantime.
func (m *Manager) advance(sess *Session, to model.CallStatus) bool {
	sess.mu.Lock()
	if err := sess.moveLocked(to, m.opts.Now()); err != nil {
		sess.mu.Unlock()
		return false
	}
	if to == model.CallConnected {
		sess.call.Quality = m.opts.Quality()
	}
	c := sess.snapshotLocked()
	sess.mu.Unlock()

	m.log.Info().Str("call", c.ID).Str("status", string(to)).Msg("call status")
	if to == model.CallConnected {
		m.notify(c, "Call connected")
	}
	m.emit(c)
	return true
}

// fail moves a session that is still initiating or ringing to failed. A
// session EndCall already ended stays ended.
func (m *Manager) fail(sess *Session, err error) {
	sess.mu.Lock()
	if err := sess.moveLocked(model.CallFailed, m.opts.Now()); err != nil {
		sess.mu.Unlock()
		return
	}
	sess.call.FailureReason = err.Error()
	c := sess.snapshotLocked()
	sess.mu.Unlock()

	m.log.Warn().Err(err).Str("call", c.ID).Msg("call failed")
	m.finish(sess, c)
	m.notify(c, "Call failed")
	m.emit(c)
}

// EndCall hangs up. An empty id ends the active call. Ending a call that
// has already ended or failed is a no-op.
func (m *Manager) EndCall(id string) (model.CallSession, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return model.CallSession{}, err
	}

	sess.mu.Lock()
	if sess.call.Status.Terminal() {
		c := sess.snapshotLocked()
		sess.mu.Unlock()
		return c, nil
	}
	if err := sess.moveLocked(model.CallEnded, m.opts.Now()); err != nil {
		sess.mu.Unlock()
		return model.CallSession{}, err
	}
	c := sess.snapshotLocked()
	remote := sess.remoteID
	sess.mu.Unlock()

	m.log.Info().Str("call", c.ID).Int("duration", c.DurationSeconds).Msg("call ended")
	if remote != "" {
		m.report(remote, c)
	}
	m.finish(sess, c)
	m.notify(c, fmt.Sprintf("Call ended (%s)", FormatDuration(c.DurationSeconds)))
	m.emit(c)
	return c, nil
}

// report sends the final status without making the caller wait.
func (m *Manager) report(remote string, c model.CallSession) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.opts.Backend.UpdateCallStatus(ctx, remote, c.Status, c.EndTime); err != nil {
			m.log.Debug().Err(err).Str("call", c.ID).Msg("status report failed")
		}
	}()
}

// finish releases the active slot and schedules the session's removal.
func (m *Manager) finish(sess *Session, c model.CallSession) {
	m.mu.Lock()
	if m.active == c.ID {
		m.active = ""
	}
	m.mu.Unlock()

	sess.mu.Lock()
	sess.grace = time.AfterFunc(m.opts.GracePeriod, func() {
		m.mu.Lock()
		delete(m.sessions, c.ID)
		m.mu.Unlock()
	})
	sess.mu.Unlock()
}

// Dismiss discards an ended or failed session before its grace period runs out.
func (m *Manager) Dismiss(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !sess.Snapshot().Status.Terminal() {
		return ErrInvalidTransition
	}
	sess.stopGrace()
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.active
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSuchCall
	}
	return sess, nil
}

// Get returns a snapshot of a session that is active or within its grace period.
func (m *Manager) Get(id string) (model.CallSession, bool) {
	sess, err := m.lookup(id)
	if err != nil {
		return model.CallSession{}, false
	}
	return sess.Snapshot(), true
}

// Active returns the call that is initiating, ringing or connected.
func (m *Manager) Active() (model.CallSession, bool) {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return model.CallSession{}, false
	}
	c, ok := m.Get(id)
	if !ok || c.Status.Terminal() {
		return model.CallSession{}, false
	}
	return c, true
}

// History returns the statuses a session went through.
func (m *Manager) History(id string) []model.CallStatus {
	sess, err := m.lookup(id)
	if err != nil {
		return nil
	}
	return sess.History()
}

// List returns snapshots of all retained sessions, newest activity first.
func (m *Manager) List() []model.CallSession {
	m.mu.Lock()
	out := make([]model.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) update(id string, fn func(c *model.CallSession)) (model.CallSession, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return model.CallSession{}, err
	}
	sess.mu.Lock()
	if sess.call.Status.Terminal() {
		sess.mu.Unlock()
		return model.CallSession{}, ErrInvalidTransition
	}
	fn(&sess.call)
	c := sess.snapshotLocked()
	sess.mu.Unlock()
	m.emit(c)
	return c, nil
}

// SetMuted toggles the microphone mute of a call.
func (m *Manager) SetMuted(id string, on bool) (model.CallSession, error) {
	return m.update(id, func(c *model.CallSession) { c.Muted = on })
}

// SetSpeaker toggles speaker output.
func (m *Manager) SetSpeaker(id string, on bool) (model.CallSession, error) {
	return m.update(id, func(c *model.CallSession) { c.Speaker = on })
}

// SetRecording toggles call recording.
func (m *Manager) SetRecording(id string, on bool) (model.CallSession, error) {
	return m.update(id, func(c *model.CallSession) { c.Recording = on })
}

// SetVolume sets the playback volume, clamped to 0..100.
func (m *Manager) SetVolume(id string, v int) (model.CallSession, error) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return m.update(id, func(c *model.CallSession) { c.Volume = v })
}

// Close ends any active call and waits for background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()

	if active != "" {
		_, _ = m.EndCall(active)
	}
	m.wg.Wait()
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.stopGrace()
	}
}

// FormatDuration renders seconds as m:ss, or h:mm:ss past an hour.
func FormatDuration(sec int) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec/60)%60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
