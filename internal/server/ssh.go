// Package server hosts the terminal client over SSH.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/notepid/whoseapp/internal/logging"
)

// WindowSize is a terminal size reported by the client.
type WindowSize struct {
	Width  int
	Height int
}

// Session is one SSH session channel with a shell or command request.
type Session struct {
	channel ssh.Channel
	mu      sync.Mutex

	User       string
	RemoteAddr string
	TermType   string
	// Command holds the words of an exec request; empty for a shell.
	Command []string
	// PTY reports whether the client asked for a terminal.
	PTY bool

	size    WindowSize
	resizes chan WindowSize
}

// Read implements io.Reader.
func (s *Session) Read(p []byte) (int, error) {
	return s.channel.Read(p)
}

// Write implements io.Writer.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Write(p)
}

// Close implements io.Closer.
func (s *Session) Close() error {
	return s.channel.Close()
}

// Size returns the terminal size at the time the session started.
func (s *Session) Size() WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Resizes delivers window-change requests. Slow readers miss sizes in
// between; the latest one always arrives eventually.
func (s *Session) Resizes() <-chan WindowSize {
	return s.resizes
}

// Exit reports an exit status to the client.
func (s *Session) Exit(code int) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	_, _ = s.channel.SendRequest("exit-status", false, payload[:])
}

// Handler runs a session. The session is closed when it returns.
type Handler func(ctx context.Context, s *Session)

// SSHListener accepts SSH connections and hands each session to a Handler.
type SSHListener struct {
	addr        string
	config      *ssh.ServerConfig
	handler     Handler
	hostKeyPath string
	log         zerolog.Logger

	attemptMu sync.Mutex
	attempts  map[string]*sshAttempt

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewSSHListener creates a listener for addr. A host key is generated at
// hostKeyPath when none exists. SSH users are not authenticated: the
// client serves a single player.
func NewSSHListener(addr, hostKeyPath string, handler Handler) (*SSHListener, error) {
	config := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-WhoseApp",
		NoClientAuth:  true,
	}

	l := &SSHListener{
		addr:        addr,
		config:      config,
		handler:     handler,
		hostKeyPath: hostKeyPath,
		log:         logging.Component("ssh"),
		attempts:    make(map[string]*sshAttempt),
	}
	if err := l.loadOrGenerateHostKey(); err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	return l, nil
}

// loadOrGenerateHostKey loads the ED25519 host key, creating it first if
// the file doesn't exist.
func (l *SSHListener) loadOrGenerateHostKey() error {
	data, err := os.ReadFile(l.hostKeyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return fmt.Errorf("parse host key %s: %w", l.hostKeyPath, err)
		}
		l.config.AddHostKey(signer)
		l.log.Info().Str("path", l.hostKeyPath).Str("type", signer.PublicKey().Type()).Msg("loaded host key")
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal ed25519 key: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	if err := os.MkdirAll(filepath.Dir(l.hostKeyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(l.hostKeyPath, pemData, 0600); err != nil {
		return fmt.Errorf("write host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemData)
	if err != nil {
		return fmt.Errorf("parse new ed25519 key: %w", err)
	}
	l.config.AddHostKey(signer)
	l.log.Info().Str("path", l.hostKeyPath).Msg("generated new host key")
	return nil
}

type sshAttempt struct {
	last  time.Time
	count int
}

// allowConnection slows down hosts that connect in quick succession and
// refuses them past a limit.
func (l *SSHListener) allowConnection(host string, now time.Time) (time.Duration, bool) {
	const (
		window     = 10 * time.Second
		resetAfter = 30 * time.Second
		maxCount   = 30
		step       = 250 * time.Millisecond
		maxDelay   = 5 * time.Second
	)

	l.attemptMu.Lock()
	defer l.attemptMu.Unlock()

	a := l.attempts[host]
	if a == nil {
		a = &sshAttempt{last: now}
		l.attempts[host] = a
	}
	if now.Sub(a.last) > resetAfter {
		a.count = 0
	}
	if now.Sub(a.last) <= window {
		a.count++
	} else {
		a.count = 1
	}
	a.last = now

	if a.count > maxCount {
		return 0, false
	}
	if a.count <= 3 {
		return 0, true
	}
	d := time.Duration(a.count-3) * step
	if d > maxDelay {
		d = maxDelay
	}
	return d, true
}

// Addr returns the listening address once ListenAndServe has started.
func (l *SSHListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenAndServe accepts connections until ctx is done. Sessions still
// running are waited for.
func (l *SSHListener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (l *SSHListener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.log.Info().Str("addr", ln.Addr().String()).Msg("ssh server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			l.log.Warn().Err(err).Msg("accept")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *SSHListener) handleConnection(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if delay, ok := l.allowConnection(host, time.Now()); !ok {
		conn.Close()
		return
	} else if delay > 0 {
		time.Sleep(delay)
	}

	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, l.config)
	if err != nil {
		l.log.Debug().Err(err).Str("remote", remoteAddr).Msg("ssh handshake failed")
		conn.Close()
		return
	}
	defer sshConn.Close()
	_ = conn.SetDeadline(time.Time{})

	log := l.log.With().Str("remote", remoteAddr).Str("user", sshConn.User()).Logger()
	log.Info().Msg("ssh connection")
	go ssh.DiscardRequests(reqs)

	// a closed server context ends the connection
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		sshConn.Close()
	}()

	var wg sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("ssh channel accept")
			continue
		}
		s := &Session{
			channel:    channel,
			User:       sshConn.User(),
			RemoteAddr: remoteAddr,
			TermType:   "xterm",
			size:       WindowSize{Width: 80, Height: 24},
			resizes:    make(chan WindowSize, 1),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serveSession(connCtx, s, requests)
		}()
	}
	wg.Wait()
}

// serveSession answers session requests until a shell or exec request
// starts the handler.
func (l *SSHListener) serveSession(ctx context.Context, s *Session, requests <-chan *ssh.Request) {
	started := false
	done := make(chan struct{})
	for {
		select {
		case <-done:
			return
		case req, ok := <-requests:
			if !ok {
				if started {
					<-done
				}
				return
			}
			switch req.Type {
			case "pty-req":
				if term, ws, ok := parsePtyRequest(req.Payload); ok {
					s.mu.Lock()
					s.TermType = term
					s.size = ws
					s.PTY = true
					s.mu.Unlock()
				}
				reply(req, true)
			case "window-change":
				if ws, ok := parseWindowChange(req.Payload); ok {
					s.mu.Lock()
					s.size = ws
					s.mu.Unlock()
					s.resize(ws)
				}
			case "shell", "exec":
				if started {
					reply(req, false)
					continue
				}
				if req.Type == "exec" {
					s.Command = strings.Fields(parseString(req.Payload))
				}
				reply(req, true)
				started = true
				go func() {
					defer close(done)
					defer s.Close()
					l.handler(ctx, s)
				}()
			default:
				reply(req, false)
			}
		}
	}
}

func (s *Session) resize(ws WindowSize) {
	select {
	case s.resizes <- ws:
		return
	default:
	}
	// replace the stale size
	select {
	case <-s.resizes:
	default:
	}
	select {
	case s.resizes <- ws:
	default:
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// parseString reads an SSH string: a uint32 length then the bytes.
func parseString(b []byte) string {
	if len(b) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)-4) < uint64(n) {
		return ""
	}
	return string(b[4 : 4+n])
}

// parsePtyRequest decodes a pty-req payload: term string, then columns
// and rows as uint32.
func parsePtyRequest(b []byte) (string, WindowSize, bool) {
	term := parseString(b)
	off := 4 + len(term)
	if len(b) < off+8 {
		return "", WindowSize{}, false
	}
	ws, ok := parseWindowChange(b[off:])
	if term == "" {
		term = "xterm"
	}
	return term, ws, ok
}

// parseWindowChange decodes columns and rows as uint32.
func parseWindowChange(b []byte) (WindowSize, bool) {
	if len(b) < 8 {
		return WindowSize{}, false
	}
	w := int(binary.BigEndian.Uint32(b[0:4]))
	h := int(binary.BigEndian.Uint32(b[4:8]))
	if w <= 0 || h <= 0 {
		return WindowSize{}, false
	}
	return WindowSize{Width: w, Height: h}, true
}

var _ io.ReadWriteCloser = (*Session)(nil)
