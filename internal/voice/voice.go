// Package voice owns the microphone and the speech synthesizer. A VoiceIO
// is constructed once and passed to whatever needs to listen or speak.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/logging"
)

// VoiceIO is the only component that touches the speech engines.
type VoiceIO struct {
	synth Synthesizer
	rec   Recognizer
	log   zerolog.Logger

	// speakMu serializes Speak so cancel-then-start is atomic.
	speakMu sync.Mutex

	mu      sync.Mutex
	playing *playback
	closed  bool

	gen          uint64
	listenCancel context.CancelFunc
	listenDone   chan struct{}
	lastErr      error
}

type playback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a VoiceIO. Either engine may be nil, in which case speaking
// is silent and listening is refused.
func New(synth Synthesizer, rec Recognizer) *VoiceIO {
	return &VoiceIO{
		synth: synth,
		rec:   rec,
		log:   logging.Component("voice"),
	}
}

// Speak plays text with the given profile. A playback still running is
// cancelled first and its onEnd fires before this call's onStart. Speak
// never fails: engine errors are logged and onEnd always fires.
func (v *VoiceIO) Speak(text string, p Profile, onStart, onEnd func()) {
	v.speakMu.Lock()
	defer v.speakMu.Unlock()

	v.mu.Lock()
	prev := v.playing
	closed := v.closed
	v.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	if closed {
		v.safeCall("onEnd", onEnd)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pb := &playback{cancel: cancel, done: make(chan struct{})}

	v.mu.Lock()
	v.playing = pb
	v.mu.Unlock()

	go v.play(ctx, pb, text, p, onStart, onEnd)
}

func (v *VoiceIO) play(ctx context.Context, pb *playback, text string, p Profile, onStart, onEnd func()) {
	defer close(pb.done)
	defer func() {
		pb.cancel()
		v.mu.Lock()
		if v.playing == pb {
			v.playing = nil
		}
		v.mu.Unlock()
	}()
	defer v.safeCall("onEnd", onEnd)
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Msg("synthesizer panicked")
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	v.safeCall("onStart", onStart)
	if v.synth == nil {
		v.log.Debug().Msg("no synthesizer configured")
		return
	}
	if err := v.synth.Speak(ctx, text, p); err != nil && !errors.Is(err, context.Canceled) {
		v.log.Warn().Err(err).Str("voice", p.Voice).Msg("speech playback failed")
	}
}

// StopSpeaking cancels the current playback, if any, and waits for its
// onEnd.
func (v *VoiceIO) StopSpeaking() {
	v.speakMu.Lock()
	defer v.speakMu.Unlock()

	v.mu.Lock()
	pb := v.playing
	v.mu.Unlock()
	if pb != nil {
		pb.cancel()
		<-pb.done
	}
}

// Speaking reports whether a playback is in progress.
func (v *VoiceIO) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing != nil
}

// StartContinuousListening starts capturing utterances and calls
// onTranscript once per finalized utterance, in spoken order. It returns
// false at once if the microphone is unavailable; LastError tells why.
// A listening session already running is replaced. onTranscript runs on
// the listener goroutine and must not call StopContinuousListening.
// onStopped, which may be nil, runs once with ErrStopped if the recognizer
// gives up before StopContinuousListening is called.
func (v *VoiceIO) StartContinuousListening(onTranscript func(string), onStopped func(error)) bool {
	v.StopContinuousListening()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		v.lastErr = ErrUnavailable
		return false
	}
	if v.rec == nil {
		v.lastErr = ErrPermission
		v.log.Warn().Msg("no recognizer configured, cannot listen")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	results, err := v.rec.Start(ctx)
	if err != nil {
		cancel()
		v.lastErr = err
		v.log.Warn().Err(err).Msg("could not start listening")
		return false
	}

	v.gen++
	v.lastErr = nil
	v.listenCancel = cancel
	done := make(chan struct{})
	v.listenDone = done
	go v.listen(v.gen, results, onTranscript, onStopped, done)
	return true
}

func (v *VoiceIO) listen(gen uint64, results <-chan Result, onTranscript func(string), onStopped func(error), done chan struct{}) {
	defer close(done)

	var delivered uint64
	for r := range results {
		if !r.Final {
			continue
		}
		if r.Seq != 0 && r.Seq <= delivered {
			continue
		}
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}

		v.mu.Lock()
		current := v.gen == gen && v.listenCancel != nil
		v.mu.Unlock()
		if !current {
			return
		}
		if r.Seq != 0 {
			delivered = r.Seq
		}
		v.deliver(text, onTranscript)
	}

	// The channel is closed. Unless Stop cleared the session first, the
	// recognizer gave up.
	v.mu.Lock()
	if v.gen != gen || v.listenCancel == nil {
		v.mu.Unlock()
		return
	}
	cancel := v.listenCancel
	v.listenCancel = nil
	v.listenDone = nil
	v.gen++
	v.lastErr = ErrStopped
	v.mu.Unlock()

	cancel()
	v.log.Warn().Msg("recognizer stopped, no longer listening")
	if onStopped != nil {
		v.safeCall("onStopped", func() { onStopped(ErrStopped) })
	}
}

func (v *VoiceIO) deliver(text string, onTranscript func(string)) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Msg("transcript handler panicked")
		}
	}()
	onTranscript(text)
}

// StopContinuousListening stops the current listening session. It is safe
// to call when not listening. No transcript is delivered after it returns.
func (v *VoiceIO) StopContinuousListening() {
	v.mu.Lock()
	cancel := v.listenCancel
	done := v.listenDone
	v.listenCancel = nil
	v.listenDone = nil
	v.gen++
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Listening reports whether a listening session is active.
func (v *VoiceIO) Listening() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listenCancel != nil
}

// LastError returns why the last StartContinuousListening failed or why
// the last session ended on its own.
func (v *VoiceIO) LastError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// Close releases the microphone and synthesizer. Later Speak calls only
// fire onEnd.
func (v *VoiceIO) Close() {
	v.StopContinuousListening()
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.StopSpeaking()
}

func (v *VoiceIO) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Str("callback", name).Msg("voice callback panicked")
		}
	}()
	fn()
}
