package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/transport"
)

type statusReport struct {
	id     string
	status model.CallStatus
	end    *time.Time
}

type fakeBackend struct {
	mu        sync.Mutex
	initiated int
	reports   []statusReport
	// block makes InitiateCall wait for ctx cancellation.
	block   bool
	initErr error
}

func (f *fakeBackend) InitiateCall(ctx context.Context, req transport.CallRequest) (transport.CallRecord, error) {
	f.mu.Lock()
	f.initiated++
	block, err := f.block, f.initErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return transport.CallRecord{}, &transport.NetworkError{Op: "initiate call", Err: ctx.Err()}
	}
	if err != nil {
		return transport.CallRecord{}, err
	}
	return transport.CallRecord{ID: "rec-" + req.RecipientID}, nil
}

func (f *fakeBackend) UpdateCallStatus(_ context.Context, id string, status model.CallStatus, end *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, statusReport{id, status, end})
	return nil
}

func (f *fakeBackend) statuses() []model.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CallStatus
	for _, r := range f.reports {
		out = append(out, r.status)
	}
	return out
}

// gate is a ring delay that returns when released or cancelled.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) delay(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.release:
		return nil
	}
}

func instant(context.Context) error { return nil }

func newTestManager(t *testing.T, be *fakeBackend, ring func(context.Context) error) *Manager {
	t.Helper()
	m := NewManager(Options{
		PlayerID:     "player",
		Backend:      be,
		RingDelay:    ring,
		TickInterval: 5 * time.Millisecond,
		GracePeriod:  time.Hour,
	})
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want model.CallStatus) model.CallSession {
	t.Helper()
	var c model.CallSession
	require.Eventually(t, func() bool {
		var ok bool
		c, ok = m.Get(id)
		return ok && c.Status == want
	}, time.Second, time.Millisecond, "call never reached %s", want)
	return c
}

func TestCallConnectsTicksAndEnds(t *testing.T) {
	be := &fakeBackend{}
	m := newTestManager(t, be, instant)

	c, err := m.Start("vex", "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CallInitiating, c.Status)
	assert.Equal(t, 80, c.Volume)

	c = waitStatus(t, m, c.ID, model.CallConnected)
	require.NotNil(t, c.StartTime)
	require.Eventually(t, func() bool {
		got, _ := m.Get(c.ID)
		return got.DurationSeconds >= 2
	}, time.Second, time.Millisecond)

	ended, err := m.EndCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, ended.Status)
	require.NotNil(t, ended.EndTime)

	time.Sleep(30 * time.Millisecond)
	frozen, _ := m.Get(c.ID)
	assert.Equal(t, ended.DurationSeconds, frozen.DurationSeconds)

	m.Close()
	assert.Equal(t, []model.CallStatus{model.CallConnected, model.CallEnded}, be.statuses())
	assert.Equal(t, []model.CallStatus{model.CallInitiating, model.CallRinging, model.CallConnected, model.CallEnded}, m.History(c.ID))
}

func TestEndCallWhileRingingNeverConnects(t *testing.T) {
	be := &fakeBackend{}
	g := newGate()
	m := newTestManager(t, be, g.delay)

	c, err := m.Start("vex", "c1")
	require.NoError(t, err)
	<-g.entered
	waitStatus(t, m, c.ID, model.CallRinging)

	ended, err := m.EndCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, ended.Status)
	close(g.release)

	time.Sleep(30 * time.Millisecond)
	got, _ := m.Get(c.ID)
	assert.Equal(t, model.CallEnded, got.Status)
	assert.Nil(t, got.StartTime)
	assert.Zero(t, got.DurationSeconds)

	m.Close()
	assert.NotContains(t, be.statuses(), model.CallConnected)
}

func TestEndCallFromEveryState(t *testing.T) {
	t.Run("initiating", func(t *testing.T) {
		be := &fakeBackend{block: true}
		m := newTestManager(t, be, instant)
		c, err := m.Start("vex", "")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			be.mu.Lock()
			defer be.mu.Unlock()
			return be.initiated == 1
		}, time.Second, time.Millisecond)

		ended, err := m.EndCall(c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CallEnded, ended.Status)
		m.Close()
		got, _ := m.Get(c.ID)
		assert.Equal(t, model.CallEnded, got.Status, "cancel must not turn into failed")
		assert.Empty(t, be.statuses())
	})

	t.Run("ringing", func(t *testing.T) {
		g := newGate()
		m := newTestManager(t, &fakeBackend{}, g.delay)
		c, _ := m.Start("vex", "")
		<-g.entered
		ended, err := m.EndCall(c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CallEnded, ended.Status)
	})

	t.Run("connected and again", func(t *testing.T) {
		m := newTestManager(t, &fakeBackend{}, instant)
		c, _ := m.Start("vex", "")
		waitStatus(t, m, c.ID, model.CallConnected)

		first, err := m.EndCall(c.ID)
		require.NoError(t, err)
		second, err := m.EndCall(c.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		_, err = m.EndCall("")
		assert.ErrorIs(t, err, ErrNoSuchCall)
	})

	t.Run("failed stays failed", func(t *testing.T) {
		m := newTestManager(t, &fakeBackend{initErr: errors.New("recipient unavailable")}, instant)
		c, _ := m.Start("vex", "")
		waitStatus(t, m, c.ID, model.CallFailed)
		got, err := m.EndCall(c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CallFailed, got.Status)
	})
}

func TestTransitionsFollowGraph(t *testing.T) {
	m := NewManager(Options{Backend: &fakeBackend{}, RingDelay: instant, TickInterval: time.Hour})
	defer m.Close()
	var mu sync.Mutex
	var seen []model.CallStatus
	m.Observe(func(c model.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != c.Status {
			seen = append(seen, c.Status)
		}
	})

	c, _ := m.Start("vex", "")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == model.CallConnected
	}, time.Second, time.Millisecond)
	_, _ = m.EndCall(c.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	for i := 1; i < len(seen); i++ {
		assert.True(t, CanTransition(seen[i-1], seen[i]), "%s -> %s", seen[i-1], seen[i])
	}
	assert.False(t, CanTransition(model.CallEnded, model.CallConnected))
	assert.False(t, CanTransition(model.CallConnected, model.CallFailed))
}

func TestInitiateFailureIsTerminalWithoutRetry(t *testing.T) {
	be := &fakeBackend{initErr: &transport.NetworkError{Op: "initiate call", StatusCode: 503, Err: errors.New("down")}}
	var notices []string
	var mu sync.Mutex
	m := NewManager(Options{
		Backend:     be,
		RingDelay:   instant,
		GracePeriod: time.Hour,
		Notify: func(_ model.CallSession, text string) {
			mu.Lock()
			notices = append(notices, text)
			mu.Unlock()
		},
	})
	defer m.Close()

	c, err := m.Start("vex", "c1")
	require.NoError(t, err)
	c = waitStatus(t, m, c.ID, model.CallFailed)
	assert.Contains(t, c.FailureReason, "down")
	require.NotNil(t, c.EndTime)

	time.Sleep(20 * time.Millisecond)
	be.mu.Lock()
	assert.Equal(t, 1, be.initiated)
	be.mu.Unlock()

	_, ok := m.Active()
	assert.False(t, ok)

	// the user may try again
	be.mu.Lock()
	be.initErr = nil
	be.mu.Unlock()
	again, err := m.Start("vex", "c1")
	require.NoError(t, err)
	waitStatus(t, m, again.ID, model.CallConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 4
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Call initiated", "Call failed", "Call initiated", "Call connected"}, notices)
}

func TestSecondCallIsRejected(t *testing.T) {
	g := newGate()
	m := newTestManager(t, &fakeBackend{}, g.delay)

	first, err := m.Start("vex", "")
	require.NoError(t, err)
	_, err = m.Start("kor", "")
	assert.ErrorIs(t, err, ErrCallActive)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)

	_, _ = m.EndCall("")
	_, err = m.Start("kor", "")
	assert.NoError(t, err)
}

func TestTogglesDoNotChangeStatus(t *testing.T) {
	g := newGate()
	m := newTestManager(t, &fakeBackend{}, g.delay)
	c, _ := m.Start("vex", "")
	<-g.entered

	got, err := m.SetMuted(c.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Muted)
	got, _ = m.SetSpeaker(c.ID, true)
	assert.True(t, got.Speaker)
	got, _ = m.SetRecording(c.ID, true)
	assert.True(t, got.Recording)
	got, _ = m.SetVolume(c.ID, 140)
	assert.Equal(t, 100, got.Volume)
	assert.Equal(t, model.CallRinging, got.Status)

	_, _ = m.EndCall(c.ID)
	_, err = m.SetMuted(c.ID, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGracePeriodDiscardsSession(t *testing.T) {
	m := NewManager(Options{Backend: &fakeBackend{}, RingDelay: instant, GracePeriod: 10 * time.Millisecond})
	defer m.Close()

	c, _ := m.Start("vex", "")
	waitStatus(t, m, c.ID, model.CallConnected)
	_, _ = m.EndCall(c.ID)
	require.Eventually(t, func() bool {
		_, ok := m.Get(c.ID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestDismiss(t *testing.T) {
	g := newGate()
	m := newTestManager(t, &fakeBackend{}, g.delay)
	c, _ := m.Start("vex", "")
	assert.ErrorIs(t, m.Dismiss(c.ID), ErrInvalidTransition)

	_, _ = m.EndCall(c.ID)
	require.NoError(t, m.Dismiss(c.ID))
	_, ok := m.Get(c.ID)
	assert.False(t, ok)
}

func TestCloseEndsActiveCall(t *testing.T) {
	be := &fakeBackend{}
	m := NewManager(Options{Backend: be, RingDelay: instant, TickInterval: time.Millisecond, GracePeriod: time.Hour})
	c, _ := m.Start("vex", "")
	waitStatus(t, m, c.ID, model.CallConnected)

	m.Close()
	got, _ := m.Get(c.ID)
	assert.Equal(t, model.CallEnded, got.Status)
	_, err := m.Start("vex", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{0: "0:00", 42: "0:42", 61: "1:01", 3725: "1:02:05", -3: "0:00"}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRandomRingDelayHonorsBoundsAndCancel(t *testing.T) {
	d := RandomRingDelay(time.Millisecond, 3*time.Millisecond, 1)
	start := time.Now()
	require.NoError(t, d(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	long := RandomRingDelay(time.Hour, time.Hour, 1)
	assert.ErrorIs(t, long(ctx), context.Canceled)
}
