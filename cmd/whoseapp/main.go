package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const version = "0.3.0"

func main() {
	app := &cli.App{
		Name:    "whoseapp",
		Usage:   "Messaging and calls with your cabinet",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
				EnvVars: []string{"WHOSEAPP_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Read environment overrides from `FILE` when it exists",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", c.String("env-file"), err)
			}
			return nil
		},
		Commands: []*cli.Command{
			tuiCommand(),
			serveCommand(),
			conversationsCommand(),
			charactersCommand(),
			sendCommand(),
			chatCommand(),
			callCommand(),
		},
		DefaultCommand: "tui",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
