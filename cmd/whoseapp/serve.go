package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/config"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/server"
	"github.com/notepid/whoseapp/internal/terminal"
	"github.com/notepid/whoseapp/internal/ui"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Host the client over SSH",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "SSH port (overrides ssh.port)"},
			&cli.StringFlag{Name: "listen", Usage: "Interface to bind (overrides ssh.listen)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if err := logging.SetupConsole(cfg.LogLevel); err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.SSH.Port = c.Int("port")
			}
			if c.IsSet("listen") {
				cfg.SSH.Listen = c.String("listen")
			}

			// sessions have no local speaker or microphone
			a, cleanup, err := app.FromConfig(c.String("config"), cfg, app.Options{Silent: true})
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Start(ctx); err != nil {
				return err
			}

			listener, err := server.NewSSHListener(cfg.SSH.Addr(), cfg.SSH.HostKey, sessionHandler(a))
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return listener.ListenAndServe(gctx) })
			healthAddr := net.JoinHostPort(cfg.SSH.Listen, strconv.Itoa(cfg.SSH.HealthPort))
			if cfg.SSH.HealthPort > 0 {
				g.Go(func() error { return serveHealth(gctx, healthAddr, a) })
			}

			fmt.Printf("\nWhoseApp is running\n")
			fmt.Printf("  SSH:    %s\n", cfg.SSH.Addr())
			if cfg.SSH.HealthPort > 0 {
				fmt.Printf("  Health: %s\n", healthAddr)
			}
			fmt.Println("\nPress Ctrl+C to shut down.")

			err = g.Wait()
			log.Info().Msg("shut down complete")
			return err
		},
	}
}

// sessionHandler runs the full screen client for shell sessions and a
// small set of commands for exec requests.
func sessionHandler(a *app.App) server.Handler {
	return func(ctx context.Context, s *server.Session) {
		name := s.User + "@" + s.RemoteAddr
		if len(s.Command) > 0 {
			s.Exit(runExec(ctx, a, s, name))
			return
		}
		if !s.PTY {
			fmt.Fprint(s, "The client needs a terminal. Connect with ssh -t.\r\n")
			s.Exit(1)
			return
		}

		m := ui.NewRootModel(a, name)
		defer m.Close()
		p := tea.NewProgram(m,
			tea.WithInput(s),
			tea.WithOutput(s),
			tea.WithAltScreen(),
			tea.WithContext(ctx),
			tea.WithoutSignalHandler(),
		)

		done := make(chan struct{})
		defer close(done)
		go func() {
			size := s.Size()
			p.Send(tea.WindowSizeMsg{Width: size.Width, Height: size.Height})
			for {
				select {
				case ws := <-s.Resizes():
					p.Send(tea.WindowSizeMsg{Width: ws.Width, Height: ws.Height})
				case <-done:
					return
				}
			}
		}()

		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			log.Warn().Err(err).Str("session", name).Msg("client exited")
			s.Exit(1)
			return
		}
		s.Exit(0)
	}
}

// runExec serves `ssh host <command>` and returns the exit status.
func runExec(ctx context.Context, a *app.App, s *server.Session, name string) int {
	args := s.Command
	switch args[0] {
	case "conversations":
		printConversations(s, a, s.PTY)
	case "characters":
		printCharacters(s, a, s.PTY)
	case "chat":
		if len(args) < 2 {
			fmt.Fprint(s, "usage: chat <conversation|channel|character>\r\n")
			return 2
		}
		parent, err := a.ResolveParent(ctx, args[1])
		if err != nil {
			fmt.Fprintf(s, "%v\r\n", err)
			return 1
		}
		size := s.Size()
		term := terminal.New(s, size.Width, size.Height, s.PTY)
		err = chat.RunThreadSession(ctx, chat.ThreadSessionConfig{
			Term:     term,
			Broker:   a.Broker,
			Thread:   a.Thread(),
			ParentID: parent,
			UserName: name,
		})
		if err != nil {
			fmt.Fprintf(s, "%v\r\n", err)
			return 1
		}
	default:
		fmt.Fprintf(s, "unknown command %q (try conversations, characters or chat)\r\n", args[0])
		return 2
	}
	return 0
}

func serveHealth(ctx context.Context, addr string, a *app.App) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if reason := a.Store.Degraded(); reason != "" {
			_, _ = fmt.Fprintf(w, "degraded: %s", reason)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
