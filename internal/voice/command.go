package voice

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CommandSynthesizer speaks through an external TTS program. espeak,
// espeak-ng and macOS say are understood.
type CommandSynthesizer struct {
	Command string
}

// Available reports whether the command can be found.
func (s *CommandSynthesizer) Available() error {
	if _, err := exec.LookPath(s.Command); err != nil {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, s.Command)
	}
	return nil
}

// Speak runs the TTS command and waits for it. Cancelling ctx kills it.
func (s *CommandSynthesizer) Speak(ctx context.Context, text string, p Profile) error {
	p = p.withDefaults()
	cmd := exec.CommandContext(ctx, s.Command, s.args(text, p)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", s.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", s.Command, err)
	}
	return nil
}

func (s *CommandSynthesizer) args(text string, p Profile) []string {
	wpm := int(math.Round(175 * p.Rate))
	switch filepath.Base(s.Command) {
	case "say":
		args := []string{"-r", strconv.Itoa(wpm)}
		if p.Voice != "" && !strings.Contains(p.Voice, "+") {
			args = append(args, "-v", p.Voice)
		}
		return append(args, "--", text)
	default:
		voice := p.Voice
		if voice == "" {
			voice = strings.ToLower(p.Language)
		}
		pitch := clamp(int(math.Round(50*p.Pitch)), 0, 99)
		amp := clamp(int(math.Round(100*p.Volume)), 0, 200)
		return []string{
			"-v", voice,
			"-s", strconv.Itoa(wpm),
			"-p", strconv.Itoa(pitch),
			"-a", strconv.Itoa(amp),
			"--", text,
		}
	}
}

// PacedSynthesizer makes no sound; it takes as long as the text would take
// to say. Sessions without local audio, such as SSH clients, use it so the
// speaking indicator still behaves.
type PacedSynthesizer struct {
	WordsPerMinute float64
}

// Duration returns how long text takes to say at profile p.
func (s PacedSynthesizer) Duration(text string, p Profile) time.Duration {
	wpm := s.WordsPerMinute
	if wpm <= 0 {
		wpm = 175
	}
	p = p.withDefaults()
	words := len(strings.Fields(text))
	return time.Duration(float64(words) / (wpm * p.Rate) * float64(time.Minute))
}

func (s PacedSynthesizer) Speak(ctx context.Context, text string, p Profile) error {
	t := time.NewTimer(s.Duration(text, p))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
