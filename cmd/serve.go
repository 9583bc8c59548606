package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chatbank/internal/api"
	"github.com/chatbank/internal/app"
)

// ServeCommand returns the CLI command that runs the sagas and the admin API
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the saga workers and the admin API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the admin API server (overrides api.port)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.API.Port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer rt.Close()

	server, err := api.NewServer(rt, api.Options{
		Port:          cfg.API.Port,
		JWTSecret:     cfg.API.JWTSecret,
		WebhookSecret: cfg.Mandate.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	log.Info().Str("runtime", cfg.Runtime).Int("port", cfg.API.Port).Msg("chatbank started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("chatbank stopped")
	return nil
}
