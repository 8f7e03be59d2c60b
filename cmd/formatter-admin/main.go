package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"document-formatter/internal/config"
	"document-formatter/internal/identity"
	"document-formatter/internal/logging"
	"document-formatter/internal/store"
)

type commandFn func(ctx context.Context, cfg config.Config, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "formatter-admin").Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	cmd, ok := commands()[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.run(logger.WithContext(ctx), cfg, os.Args[2:]); err != nil {
		stop()
		logger.Fatal().Err(err).Str("command", cmd.name).Msg("command failed")
	}
}

func commands() map[string]command {
	return map[string]command{
		"mint-token": {
			name:        "mint-token",
			description: "Issue a bearer token for an owner, signed with JWT_SECRET",
			run:         runMintToken,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"usage": {
			name:        "usage",
			description: "Print the recorded usage of an owner",
			run:         runUsage,
		},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, "Usage: formatter-admin <command> [flags]\n\nAvailable commands:\n")
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "  %-12s %s\n", name, cmds[name].description)
	}
}

func runMintToken(_ context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id placed in the token subject")
	email := fs.String("email", "", "optional email claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("-owner is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	tok, err := identity.NewVerifier(cfg.JWTSecret, cfg.JWTAudience).Mint(identity.Principal{OwnerID: *owner, Email: *email}, *ttl)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Fprintln(os.Stdout, tok)
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "maximum time to wait for migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Msg("migrations applied")
	return nil
}

func runUsage(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("-owner is required")
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	u, err := st.GetUsage(ctx, *owner)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(u)
}
