package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/farcall/farcall/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// stdioConn joins the process's stdin and stdout into one duplex stream.
type stdioConn struct {
	io.Reader
	io.Writer
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	app := &cli.App{
		Name:  "farcalld",
		Usage: "the farcall agent hosting a remote interpreter",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging (always to stderr).",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "stdio",
				Usage: "Serve a single connection over stdin/stdout.",
				Action: func(ctx *cli.Context) error {
					logger, err := buildLogger(ctx.Bool("debug"))
					if err != nil {
						return fmt.Errorf("building logger: %w", err)
					}
					a, err := agent.New(agent.WithLogger(logger))
					if err != nil {
						return fmt.Errorf("building agent: %w", err)
					}
					return a.ServeConn(stdioConn{Reader: os.Stdin, Writer: os.Stdout})
				},
			},
			{
				Name:  "listen",
				Usage: "Serve one executor per WebSocket session.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "0.0.0.0:7667",
					},
				},
				Action: func(ctx *cli.Context) error {
					logger, err := buildLogger(ctx.Bool("debug"))
					if err != nil {
						return fmt.Errorf("building logger: %w", err)
					}
					a, err := agent.New(
						agent.WithLogger(logger),
						agent.WithListenAddr(ctx.String("listen-addr")),
					)
					if err != nil {
						return fmt.Errorf("building agent: %w", err)
					}
					return a.Run()
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
