// Package terminal is a line-mode terminal over a raw connection, used by
// the chat command both locally and over SSH.
package terminal

import (
	"errors"
	"io"
	"sync"
	"unicode/utf8"
)

// ErrInterrupted is returned by GetLine when the user presses Ctrl+C or
// Ctrl+D on an empty line.
var ErrInterrupted = errors.New("input interrupted")

// Terminal handles CRLF line endings and local echo on top of a
// ReadWriteCloser. Writes are safe from several goroutines, so incoming
// messages can be printed while a line is being typed.
type Terminal struct {
	rwc    io.ReadWriteCloser
	Width  int
	Height int
	// Echo makes GetLine write typed characters back. SSH sessions need it,
	// cooked local terminals do not.
	Echo bool

	mu     sync.Mutex
	buf    []byte
	lastCR bool
}

// New creates a new Terminal wrapping the given ReadWriteCloser.
func New(rwc io.ReadWriteCloser, width, height int, echo bool) *Terminal {
	return &Terminal{rwc: rwc, Width: width, Height: height, Echo: echo}
}

// Close closes the underlying connection.
func (t *Terminal) Close() error {
	return t.rwc.Close()
}

// Send writes raw text to the terminal.
func (t *Terminal) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.rwc, data)
	return err
}

// SendLn writes a line of text followed by CR+LF. While a line is being
// typed with echo on, the partial input is redrawn below the new line.
func (t *Terminal) SendLn(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := text + "\r\n"
	if t.Echo && len(t.buf) > 0 {
		out = "\r\x1b[K" + out + string(t.buf)
	}
	_, err := io.WriteString(t.rwc, out)
	return err
}

func (t *Terminal) readByte() (byte, error) {
	var b [1]byte
	for {
		n, err := t.rwc.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (t *Terminal) echo(s string) {
	if t.Echo {
		_, _ = io.WriteString(t.rwc, s)
	}
}

// GetLine reads a line of up to maxLen runes. Backspace removes whole
// runes; a LF right after CR is skipped.
func (t *Terminal) GetLine(maxLen int) (string, error) {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.mu.Unlock()

	var pending []byte // bytes of an incomplete rune
	for {
		b, err := t.readByte()
		if err != nil {
			return t.take(), err
		}

		t.mu.Lock()
		switch {
		case b == '\n' && t.lastCR:
			t.lastCR = false
			t.mu.Unlock()
			continue
		case b == '\r' || b == '\n':
			t.lastCR = b == '\r'
			t.echo("\r\n")
			t.mu.Unlock()
			return t.take(), nil
		case b == 3 || (b == 4 && len(t.buf) == 0):
			t.echo("\r\n")
			t.mu.Unlock()
			t.take()
			return "", ErrInterrupted
		case b == 8 || b == 127:
			if len(t.buf) > 0 {
				_, size := utf8.DecodeLastRune(t.buf)
				t.buf = t.buf[:len(t.buf)-size]
				t.echo("\b \b")
			}
			pending = pending[:0]
		case b < 32:
			// other control characters are ignored
		default:
			pending = append(pending, b)
			if !utf8.FullRune(pending) {
				break
			}
			r, _ := utf8.DecodeRune(pending)
			if r != utf8.RuneError && utf8.RuneCount(t.buf) < maxLen {
				t.buf = append(t.buf, pending...)
				t.echo(string(pending))
			}
			pending = pending[:0]
		}
		t.lastCR = false
		t.mu.Unlock()
	}
}

func (t *Terminal) take() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := string(t.buf)
	t.buf = t.buf[:0]
	return s
}
