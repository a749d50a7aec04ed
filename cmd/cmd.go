// Package cmd wires the urfave/cli entrypoint and fx application graph,
// grounded on the teacher's cmd/cmd.go + cmd/fx.go: a single "serve"
// command that loads config, builds the fx app, and blocks on OS signals
// for graceful shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/webitel/notifyhub/internal/config"
)

// shutdownTimeout bounds how long fx.App.Stop waits for every OnStop hook
// to finish before giving up, matching the teacher's bounded-deadline
// graceful shutdown.
const shutdownTimeout = 15 * time.Second

// Run is the process entrypoint invoked from main.go.
func Run() error {
	app := &cli.App{
		Name:  "notifyhub",
		Usage: "notification fan-out dispatch service",
		Commands: []*cli.Command{
			serveCmd(),
		},
	}
	return app.Run(os.Args)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the dispatch core and its HTTP/WS/SSE/long-poll transports",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "http-address", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "environment", Usage: "development|production"},
			&cli.StringFlag{Name: "offline-queue-backend", Usage: "memory|bolt|stream"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromCLI(c)
			if err != nil {
				return err
			}

			application := NewApp(cfg)
			if err := application.Start(context.Background()); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return application.Stop(ctx)
		},
	}
}

func configFromCLI(c *cli.Context) (config.Config, error) {
	var args []string
	for _, name := range []string{"config", "http-address", "environment", "offline-queue-backend"} {
		if v := c.String(name); v != "" {
			args = append(args, "--"+name, v)
		}
	}
	return config.Load(args)
}
