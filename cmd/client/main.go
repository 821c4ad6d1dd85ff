package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/realtime-client/internal/clientapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "client",
		Usage: "A realtime client for publishing, subscribing and presence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server-host",
				Value: "localhost",
				Usage: "The host on which the server is accessible",
			},
			&cli.IntFlag{
				Name:  "server-port",
				Value: 3000,
				Usage: "The port the server is running on",
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "The client id to connect with, overrides CLIENT_ID",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "subscribe",
				Usage:     "Print messages published to a channel",
				ArgsUsage: "<channel> [name]",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() < 1 {
						return cli.Exit("a channel name is required", 1)
					}
					return clientapp.Subscribe(params(cCtx), cCtx.Args().Get(0), cCtx.Args().Get(1))
				},
			},
			{
				Name:      "publish",
				Usage:     "Publish a message to a channel",
				ArgsUsage: "<channel> <name> <data>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() < 3 {
						return cli.Exit("a channel, message name and data are required", 1)
					}
					args := cCtx.Args()
					return clientapp.Publish(params(cCtx), args.Get(0), args.Get(1), args.Get(2))
				},
			},
			{
				Name:      "presence",
				Usage:     "Show the members present on a channel",
				ArgsUsage: "<channel>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "enter",
						Usage: "Enter the channel with this data before listing members",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Keep printing presence changes until interrupted",
					},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() < 1 {
						return cli.Exit("a channel name is required", 1)
					}
					return clientapp.Presence(params(cCtx), cCtx.Args().Get(0), cCtx.String("enter"), cCtx.Bool("watch"))
				},
			},
			{
				Name:  "ping",
				Usage: "Measure heartbeat round trips",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "count",
						Value: 3,
						Usage: "The number of heartbeats to send",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return clientapp.Ping(params(cCtx), cCtx.Int("count"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func params(cCtx *cli.Context) *clientapp.Params {
	return &clientapp.Params{
		ServerHost: cCtx.String("server-host"),
		ServerPort: cCtx.Int("server-port"),
		ClientID:   cCtx.String("client-id"),
	}
}
