package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/notepid/whoseapp/internal/logging"
)

// Recorder captures one clip of microphone audio.
type Recorder interface {
	// Available returns ErrPermission when no microphone can be opened.
	Available() error
	// Record captures d of audio and returns it as WAV.
	Record(ctx context.Context, d time.Duration) ([]byte, error)
}

// CommandRecorder records with an arecord-compatible program writing WAV
// to stdout.
type CommandRecorder struct {
	Command string
}

func (r *CommandRecorder) Available() error {
	if _, err := exec.LookPath(r.Command); err != nil {
		return fmt.Errorf("%w: %s not found", ErrPermission, r.Command)
	}
	return nil
}

func (r *CommandRecorder) Record(ctx context.Context, d time.Duration) ([]byte, error) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, r.Command,
		"-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "wav",
		"-d", strconv.Itoa(secs), "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "permission") || strings.Contains(msg, "no such") || strings.Contains(msg, "device") {
			return nil, fmt.Errorf("%w: %s", ErrPermission, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("record: %w", err)
	}
	return stdout.Bytes(), nil
}

// SegmentRecognizer records fixed-length segments and transcribes each
// one. Segments are transcribed in recording order, so results arrive in
// spoken order.
type SegmentRecognizer struct {
	Recorder    Recorder
	Transcriber Transcriber
	Segment     time.Duration

	log zerolog.Logger
}

// NewSegmentRecognizer creates a recognizer that records segment-long clips.
func NewSegmentRecognizer(rec Recorder, tr Transcriber, segment time.Duration) *SegmentRecognizer {
	if segment <= 0 {
		segment = 5 * time.Second
	}
	return &SegmentRecognizer{
		Recorder:    rec,
		Transcriber: tr,
		Segment:     segment,
		log:         logging.Component("voice"),
	}
}

type clip struct {
	seq  uint64
	data []byte
}

func (s *SegmentRecognizer) Start(ctx context.Context) (<-chan Result, error) {
	if s.Recorder == nil || s.Transcriber == nil {
		return nil, ErrPermission
	}
	if err := s.Recorder.Available(); err != nil {
		return nil, err
	}

	clips := make(chan clip, 2)
	out := make(chan Result)

	go func() {
		defer close(clips)
		var seq uint64
		for ctx.Err() == nil {
			data, err := s.Recorder.Record(ctx, s.Segment)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Msg("recording failed, stopping recognizer")
				return
			}
			seq++
			select {
			case clips <- clip{seq: seq, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)
		for c := range clips {
			text, err := s.Transcriber.Transcribe(ctx, bytes.NewReader(c.data), fmt.Sprintf("segment-%d.wav", c.seq))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, context.Canceled) {
					s.log.Debug().Err(err).Uint64("seq", c.seq).Msg("segment not transcribed")
				}
				continue
			}
			select {
			case out <- Result{Seq: c.seq, Text: text, Final: true}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
