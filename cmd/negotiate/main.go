// Command negotiate is a terminal client for contract negotiation rooms.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"lexicontract/api/internal/apiclient"
	"lexicontract/api/internal/commandlist"
	"lexicontract/api/internal/config"
	"lexicontract/api/internal/logging"
	"lexicontract/api/internal/presence"
)

type Flags struct {
	API        string
	Email      string
	Password   string
	Token      string
	RelayURL   string
	RedisURL   string
	SeedGuard  bool
	ConfigPath string
	LogLevel   string
	LogFile    string
}

// env is what every subcommand shares once Before has run.
type env struct {
	flags   *Flags
	client  *apiclient.Client
	overlay config.Overlay
	log     zerolog.Logger
	closers []func()
}

// session signs in unless a token was supplied.
func (e *env) session(ctx context.Context) (apiclient.Session, error) {
	if e.flags.Token != "" {
		e.client.SetToken(e.flags.Token)
		return apiclient.Session{Token: e.flags.Token}, nil
	}
	if e.flags.Email == "" || e.flags.Password == "" {
		return apiclient.Session{}, fmt.Errorf("sign in with --email and --password, or pass --token")
	}
	sess, err := e.client.SignIn(ctx, e.flags.Email, e.flags.Password)
	if err != nil {
		return apiclient.Session{}, fmt.Errorf("sign in: %w", err)
	}
	e.log.Debug().Str("user_id", sess.UserID).Str("org_id", sess.OrgID).Msg("signed in")
	return sess, nil
}

func (e *env) candidates() []commandlist.Candidate {
	out := make([]commandlist.Candidate, 0, len(e.overlay.Commands))
	for _, c := range e.overlay.Commands {
		out = append(out, commandlist.Candidate{Title: c.Title, Action: c.Action})
	}
	if len(out) == 0 {
		return commandlist.DefaultCandidates()
	}
	return out
}

func (e *env) palette() presence.Palette {
	return presence.NewPalette(e.overlay.Palette)
}

func main() {
	flags := &Flags{}
	e := &env{flags: flags}

	app := &cli.Command{
		Name:      "negotiate",
		Usage:     "Review and negotiate contracts from the terminal",
		UsageText: "negotiate [global options] command [command options]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "api",
				Usage:       "API base URL",
				Sources:     cli.EnvVars("LEXI_API_URL"),
				Value:       "http://localhost:8787",
				Destination: &flags.API,
			},
			&cli.StringFlag{
				Name:        "email",
				Sources:     cli.EnvVars("LEXI_EMAIL"),
				Destination: &flags.Email,
			},
			&cli.StringFlag{
				Name:        "password",
				Sources:     cli.EnvVars("LEXI_PASSWORD"),
				Destination: &flags.Password,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "access token; skips sign in",
				Sources:     cli.EnvVars("LEXI_TOKEN"),
				Destination: &flags.Token,
			},
			&cli.StringFlag{
				Name:        "relay",
				Usage:       "collaboration relay URL",
				Sources:     cli.EnvVars("LEXI_RELAY_URL"),
				Value:       "ws://localhost:1234",
				Destination: &flags.RelayURL,
			},
			&cli.StringFlag{
				Name:        "redis",
				Usage:       "redis URL for the room seed guard",
				Sources:     cli.EnvVars("REDIS_URL"),
				Destination: &flags.RedisURL,
			},
			&cli.BoolFlag{
				Name:        "seed-guard",
				Usage:       "let only one client seed an empty room (needs --redis)",
				Sources:     cli.EnvVars("LEXI_SEED_GUARD"),
				Destination: &flags.SeedGuard,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML file with slash commands and presence colours",
				Sources:     cli.EnvVars("LEXI_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Sources:     cli.EnvVars("LEXI_LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Sources:     cli.EnvVars("LEXI_LOG_FILE"),
				Destination: &flags.LogFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, closer, err := logging.New(flags.LogLevel, flags.LogFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			if flags.LogFile == "" {
				logger = logger.Output(os.Stderr)
			}
			e.log = logging.Component(logger, "negotiate")
			e.closers = append(e.closers, closer)

			overlay, err := config.LoadOverlay(flags.ConfigPath)
			if err != nil {
				return ctx, err
			}
			e.overlay = overlay
			e.client = apiclient.New(flags.API)
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			for i := len(e.closers) - 1; i >= 0; i-- {
				e.closers[i]()
			}
			return nil
		},
		Commands: []*cli.Command{
			contractsCmd(e),
			showCmd(e),
			resolveCmd(e, "accept"),
			resolveCmd(e, "reject"),
			commentCmd(e),
			generateCmd(e),
			exportCmd(e),
			joinCmd(e),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
