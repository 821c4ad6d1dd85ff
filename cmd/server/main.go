package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/realtime-client/internal/serverapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "server",
		Usage: "A local realtime router with channels, presence and resumable connections",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 3000,
				Usage: "The port to run the server on",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "A YAML file overlaid on the environment configuration",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Action: func(cCtx *cli.Context) error {
			if path := cCtx.String("config"); path != "" {
				// The config package reads the file location from the environment.
				if err := os.Setenv("CONFIG_FILE", path); err != nil {
					return err
				}
			}
			return serverapp.Run(cCtx.Int("port"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
