package voice

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrPermission means the microphone cannot be used. Only the user can
	// fix it, so callers surface it instead of retrying.
	ErrPermission = errors.New("voice: microphone unavailable")

	// ErrUnavailable means no speech engine is installed.
	ErrUnavailable = errors.New("voice: speech engine unavailable")

	// ErrStopped means the recognizer ended a listening session by itself.
	ErrStopped = errors.New("voice: recognizer stopped")
)

// Synthesizer plays text aloud. Speak blocks until playback finishes and
// must stop promptly when ctx is cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string, p Profile) error
}

// Result is one recognition result. Seq increases per utterance; interim
// results share the Seq of the final result that replaces them.
type Result struct {
	Seq   uint64
	Text  string
	Final bool
}

// Recognizer turns microphone audio into results. Start returns
// ErrPermission when the microphone is unavailable. The channel is closed
// when ctx is done or the recognizer gives up.
type Recognizer interface {
	Start(ctx context.Context) (<-chan Result, error)
}

// Transcriber converts a recorded audio clip to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
