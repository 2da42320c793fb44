package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/call"
	"github.com/notepid/whoseapp/internal/chat"
	"github.com/notepid/whoseapp/internal/config"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/model"
	"github.com/notepid/whoseapp/internal/store"
	"github.com/notepid/whoseapp/internal/terminal"
)

// withApp loads the configuration, logs to the console and runs fn with
// a started App.
func withApp(c *cli.Context, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := logging.SetupConsole(cfg.LogLevel); err != nil {
		return err
	}
	a, cleanup, err := app.FromConfig(c.String("config"), cfg, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func eol(crlf bool) string {
	if crlf {
		return "\r\n"
	}
	return "\n"
}

func printConversations(w io.Writer, a *app.App, crlf bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	nl := eol(crlf)
	for _, conv := range a.Store.ListConversations(store.Filter{ActiveOnly: true}) {
		fmt.Fprintf(tw, "%s\t%s\t%d unread\t%s%s", conv.ID, a.Store.Title(conv.ID), conv.UnreadCount, conv.LastMessageSummary, nl)
	}
	for _, ch := range a.Store.ListChannels(store.Filter{ActiveOnly: true}) {
		fmt.Fprintf(tw, "%s\t#%s\t%d unread\t%s%s", ch.ID, ch.Name, ch.UnreadCount, ch.Type, nl)
	}
	_ = tw.Flush()
	if reason := a.Store.Degraded(); reason != "" {
		fmt.Fprintf(w, "(%s)%s", reason, nl)
	}
}

func printCharacters(w io.Writer, a *app.App, crlf bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	nl := eol(crlf)
	for _, ch := range a.Store.Characters() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s%s", ch.ID, ch.Name, ch.Role(), ch.Presence, ch.Clearance, nl)
	}
	_ = tw.Flush()
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "conversations",
		Aliases: []string{"ls"},
		Usage:   "List conversations and channels",
		Action: func(c *cli.Context) error {
			return withApp(c, app.Options{NoVoice: true}, func(ctx context.Context, a *app.App) error {
				printConversations(os.Stdout, a, false)
				return nil
			})
		},
	}
}

func charactersCommand() *cli.Command {
	return &cli.Command{
		Name:  "characters",
		Usage: "List the characters you can talk to",
		Action: func(c *cli.Context) error {
			return withApp(c, app.Options{NoVoice: true}, func(ctx context.Context, a *app.App) error {
				printCharacters(os.Stdout, a, false)
				return nil
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one message and print the reply",
		ArgsUsage: "<conversation|channel|character> <text...>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return cli.ShowSubcommandHelp(c)
			}
			ref, text := c.Args().First(), strings.Join(c.Args().Tail(), " ")
			return withApp(c, app.Options{NoVoice: true}, func(ctx context.Context, a *app.App) error {
				parent, err := a.ResolveParent(ctx, ref)
				if err != nil {
					return err
				}
				reply, err := a.Responder.Converse(ctx, parent, text, model.MessageText)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", a.Store.SenderName(reply.SenderID), reply.Content)
				return nil
			})
		},
	}
}

// stdio joins stdin and stdout for the line-mode terminal.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Chat in a conversation line by line",
		ArgsUsage: "<conversation|channel|character>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "voice", Usage: "Speak replies and listen for spoken messages"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.ShowSubcommandHelp(c)
			}
			ref := c.Args().First()
			return withApp(c, app.Options{NoVoice: !c.Bool("voice")}, func(ctx context.Context, a *app.App) error {
				parent, err := a.ResolveParent(ctx, ref)
				if err != nil {
					return err
				}
				if c.Bool("voice") {
					if err := a.Responder.SetVoiceMode(parent, true); err != nil {
						_, reason := a.Responder.VoiceMode()
						fmt.Fprintf(os.Stderr, "voice mode unavailable: %s\n", reason)
					}
				}
				// a cooked terminal already echoes input
				term := terminal.New(stdio{os.Stdin, os.Stdout}, 80, 24, false)
				return chat.RunThreadSession(ctx, chat.ThreadSessionConfig{
					Term:     term,
					Broker:   a.Broker,
					Thread:   a.Thread(),
					ParentID: parent,
					UserName: a.Config.Player.Name,
				})
			})
		},
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Call a character and stay on the line until interrupted",
		ArgsUsage: "<character>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.ShowSubcommandHelp(c)
			}
			characterID := c.Args().First()
			return withApp(c, app.Options{NoVoice: true}, func(ctx context.Context, a *app.App) error {
				ended := make(chan model.CallSession, 1)
				// only one call can be active, so the character identifies it
				unobserve := a.Calls.Observe(func(cs model.CallSession) {
					if cs.CharacterID != characterID {
						return
					}
					fmt.Printf("  %s\n", cs.Status)
					if cs.Status.Terminal() {
						select {
						case ended <- cs:
						default:
						}
					}
				})
				defer unobserve()

				cs, err := a.StartCall(characterID)
				if err != nil {
					return err
				}
				fmt.Printf("Calling %s. Press Ctrl+C to hang up.\n", a.Store.SenderName(characterID))

				select {
				case cs = <-ended:
				case <-ctx.Done():
					if cs, err = a.Calls.EndCall(cs.ID); err != nil {
						return err
					}
				}
				if cs.Status == model.CallFailed {
					return fmt.Errorf("call failed: %s", cs.FailureReason)
				}
				fmt.Printf("Call ended (%s)\n", call.FormatDuration(cs.DurationSeconds))
				return nil
			})
		},
	}
}
