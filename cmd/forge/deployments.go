package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/splax/forge/pkg/api/client"
	"github.com/splax/forge/pkg/logger"
)

func (a *app) commandList(ctx context.Context, args []string) error {
	fs := newFlagSet("list", a.stderr)
	format := fs.String("format", "table", "Output format: table or json")
	verbose := fs.BoolP("verbose", "v", false, "Show detailed information")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *format != "table" && *format != "json" {
		return fmt.Errorf("invalid --format %q: expected table or json", *format)
	}

	log := logger.NewWithWriter(a.stderr, "forge", a.cfg.LogLevel)
	api, token, err := a.session(ctx, log)
	if err != nil {
		return err
	}
	deployments, err := api.ListDeployments(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to fetch deployments: %w", explainAPIError(err, ""))
	}

	if len(deployments) == 0 {
		fmt.Fprintln(a.stdout, "No deployments found. Deploy your first project with `forge deploy`")
		return nil
	}
	if *format == "json" {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(deployments)
	}

	fmt.Fprintf(a.stdout, "Your Deployments (%d):\n\n", len(deployments))
	for _, d := range deployments {
		status := d.Status
		if status == "" {
			status = "unknown"
		}
		fmt.Fprintf(a.stdout, "%s %s\n", statusMark(status), d.DisplayName())
		fmt.Fprintf(a.stdout, "   URL: %s\n", orDefault(d.URL, "Not available"))
		if *verbose {
			fmt.Fprintf(a.stdout, "   Status: %s\n", status)
			fmt.Fprintf(a.stdout, "   Created: %s\n", a.createdAt(d.CreatedAt))
			if d.Domain != "" {
				fmt.Fprintf(a.stdout, "   Custom Domain: %s\n", d.Domain)
			}
		}
		fmt.Fprintln(a.stdout)
	}
	noun := "deployments"
	if len(deployments) == 1 {
		noun = "deployment"
	}
	fmt.Fprintf(a.stdout, "Total: %d %s\n", len(deployments), noun)
	return nil
}

func (a *app) commandDelete(ctx context.Context, args []string) error {
	fs := newFlagSet("delete", a.stderr)
	force := fs.BoolP("force", "f", false, "Skip confirmation prompt")
	keepData := fs.Bool("keep-data", false, "Keep persistent data (volumes) when deleting")
	rest, ok, err := parseFlagsWithArgs(fs, args, 1)
	if !ok {
		return err
	}
	slug := rest[0]
	if !client.ValidSlug(slug) {
		return client.ErrInvalidSlug
	}

	log := logger.NewWithWriter(a.stderr, "forge", a.cfg.LogLevel)
	api, token, err := a.session(ctx, log)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Checking deployment: %s\n", slug)
	info, err := api.GetDeployment(ctx, token, slug)
	if err != nil {
		return explainAPIError(err, slug)
	}
	fmt.Fprintln(a.stdout, "\nDeployment Details:")
	fmt.Fprintf(a.stdout, "   Slug: %s\n", info.Slug)
	fmt.Fprintf(a.stdout, "   URL: %s\n", orDefault(info.URL, "Not available"))
	fmt.Fprintf(a.stdout, "   Status: %s\n", orDefault(info.Status, "unknown"))
	fmt.Fprintf(a.stdout, "   Created: %s\n", a.createdAt(info.CreatedAt))

	if !*force {
		in := bufio.NewReader(a.stdin)
		answer := a.prompt(in, fmt.Sprintf("Are you sure you want to delete deployment '%s'? [y/N] ", slug))
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Fprintln(a.stdout, "Deletion cancelled.")
			return nil
		}
		if info.Domain != "" || strings.Contains(info.URL, "forgekit.ai") {
			typed := a.prompt(in, fmt.Sprintf("This appears to be a production deployment. Type '%s' to confirm deletion: ", slug))
			if typed != slug {
				fmt.Fprintln(a.stdout, "Deletion cancelled.")
				return nil
			}
		}
	}

	fmt.Fprintf(a.stdout, "Deleting deployment: %s...\n", slug)
	if err := api.DeleteDeployment(ctx, token, slug, *keepData); err != nil {
		return explainAPIError(err, slug)
	}
	fmt.Fprintf(a.stdout, "✓ Deployment '%s' has been deleted successfully.\n", slug)
	if *keepData {
		fmt.Fprintln(a.stdout, "Persistent data (volumes) have been preserved.")
	} else {
		fmt.Fprintln(a.stdout, "All associated data has been removed.")
	}
	return nil
}

// session returns an API client and a valid token, running the browser
// login when no stored credential is usable.
func (a *app) session(ctx context.Context, log *slog.Logger) (*client.Client, string, error) {
	api, err := a.apiClient(log)
	if err != nil {
		return nil, "", err
	}
	store := a.store(log)
	token, err := store.Token()
	if err == nil && token != "" {
		return api, token, nil
	}
	token, err = a.loginFunc(store, log)(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("unable to authenticate, run `forge login` first: %w", err)
	}
	return api, token, nil
}

func (a *app) prompt(in *bufio.Reader, question string) string {
	fmt.Fprint(a.stdout, question)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(line)
}

func (a *app) createdAt(raw string) string {
	if raw == "" {
		return "Unknown"
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("%s (%s)", at.Local().Format("2006-01-02 15:04"), humanize.RelTime(at, a.now(), "ago", "from now"))
}

func explainAPIError(err error, slug string) error {
	var apiErr *client.APIError
	switch {
	case client.Classify(err) == client.KindAuth && errors.As(err, &apiErr) && apiErr.Status == 403:
		return fmt.Errorf("access denied, you may not have permission for this deployment: %w", err)
	case client.Classify(err) == client.KindAuth:
		return fmt.Errorf("authentication failed, try running `forge login` again: %w", err)
	case slug != "" && client.IsNotFound(err):
		return fmt.Errorf("deployment '%s' not found", slug)
	case slug != "" && client.IsConflict(err):
		return fmt.Errorf("cannot delete deployment '%s': %w", slug, err)
	}
	return err
}

func statusMark(status string) string {
	switch status {
	case "running":
		return "●"
	case "stopped":
		return "○"
	default:
		return "◐"
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
