package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/forge/internal/credential"
	"github.com/splax/forge/pkg/logger"
)

func (a *app) commandLogin(ctx context.Context, args []string) error {
	fs := newFlagSet("login", a.stderr)
	debug := fs.Bool("debug", false, "Enable verbose output during login")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	level := a.cfg.LogLevel
	if *debug {
		level = slog.LevelDebug
	}
	log := logger.NewWithWriter(a.stderr, "forge", level)
	if _, err := a.loginFunc(a.store(log), log)(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintln(a.stdout, "✓ Logged in successfully")
	return nil
}

func (a *app) commandLogout(args []string) error {
	fs := newFlagSet("logout", a.stderr)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	store := a.store(logger.NewWithWriter(a.stderr, "forge", a.cfg.LogLevel))
	info, err := store.Info()
	if errors.Is(err, credential.ErrNoCredential) {
		fmt.Fprintln(a.stdout, "No active session found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	who := info.Email
	if who == "" {
		who = info.UserID
	}
	fmt.Fprintf(a.stdout, "Logging out user: %s\n", who)
	if err := store.Clear(); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	if info.Source == credential.SourceEnv {
		fmt.Fprintln(a.stdout, "FORGEKIT_TOKEN is set in the environment; unset it to fully log out")
		return nil
	}
	fmt.Fprintln(a.stdout, "✓ Successfully logged out")
	return nil
}

func (a *app) commandWhoami(args []string) error {
	fs := newFlagSet("whoami", a.stderr)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	store := a.store(logger.NewWithWriter(a.stderr, "forge", a.cfg.LogLevel))
	info, err := store.Info()
	if errors.Is(err, credential.ErrNoCredential) {
		fmt.Fprintln(a.stdout, "Not authenticated")
		fmt.Fprintln(a.stdout, "Run `forge login` to authenticate")
		return nil
	}
	if err != nil {
		fmt.Fprintln(a.stdout, "Invalid token found")
		fmt.Fprintln(a.stdout, "Run `forge login` to re-authenticate")
		return nil
	}

	email := info.Email
	if email == "" {
		email = "Unknown"
	}
	fmt.Fprintln(a.stdout, "Authenticated as:")
	fmt.Fprintf(a.stdout, "   Email: %s\n", email)
	fmt.Fprintf(a.stdout, "   User ID: %s\n", info.UserID)
	if info.ExpiresAt != nil {
		fmt.Fprintf(a.stdout, "   Token expires: %s\n", expiresIn(info.ExpiresAt.Sub(a.now())))
	}
	if info.IssuedAt != nil {
		fmt.Fprintf(a.stdout, "   Logged in: %s\n", info.IssuedAt.Local().Format("2006-01-02"))
	}
	if info.Source == credential.SourceEnv {
		fmt.Fprintln(a.stdout, "   Source: FORGEKIT_TOKEN")
	}
	return nil
}

func expiresIn(left time.Duration) string {
	hours := int(left / time.Hour)
	switch {
	case left <= 0:
		return "expired"
	case hours >= 24:
		return fmt.Sprintf("in %d days", hours/24)
	case hours > 0:
		return fmt.Sprintf("in %d hours", hours)
	default:
		return fmt.Sprintf("in %d minutes", int(left/time.Minute))
	}
}
