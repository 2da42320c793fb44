package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/notepid/whoseapp/internal/app"
	"github.com/notepid/whoseapp/internal/config"
	"github.com/notepid/whoseapp/internal/logging"
	"github.com/notepid/whoseapp/internal/ui"
)

func tuiCommand() *cli.Command {
	return &cli.Command{
		Name:  "tui",
		Usage: "Open the full screen client",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-voice", Usage: "Disable speech input and output"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			closeLog, err := logging.SetupFile(cfg.LogLevel, cfg.Paths.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			a, cleanup, err := app.FromConfig(c.String("config"), cfg, app.Options{NoVoice: c.Bool("no-voice")})
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			if err := a.Start(ctx); err != nil {
				return err
			}

			m := ui.NewRootModel(a, cfg.Player.Name)
			defer m.Close()
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			return err
		},
	}
}
