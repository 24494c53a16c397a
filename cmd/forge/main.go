package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/splax/forge/internal/deploy"
	"github.com/splax/forge/internal/login"
	"github.com/splax/forge/pkg/config"
)

var buildVersion = "dev"

type app struct {
	cfg    config.AgentConfig
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	opener login.Opener
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{
		cfg:    config.LoadAgentConfig(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		now:    time.Now,
	}
	err := a.run(ctx, os.Args[1], os.Args[2:])
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			reportError(os.Stderr, err)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "deploy":
		return a.commandDeploy(ctx, args)
	case "list", "ls":
		return a.commandList(ctx, args)
	case "delete", "remove", "rm":
		return a.commandDelete(ctx, args)
	case "login":
		return a.commandLogin(ctx, args)
	case "logout":
		return a.commandLogout(args)
	case "whoami":
		return a.commandWhoami(args)
	case "version", "--version":
		printVersion(a.stdout)
		return nil
	case "help", "-h", "--help":
		printUsage(a.stdout)
		return nil
	default:
		fmt.Fprintf(a.stderr, "unknown command: %s\n", cmd)
		printUsage(a.stderr)
		return errUsage
	}
}

func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// parseFlags returns errUsage after pflag has already printed the problem.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	_, ok, err := parseFlagsWithArgs(fs, args, 0)
	return ok, err
}

// parseFlagsWithArgs also requires exactly n positional arguments.
func parseFlagsWithArgs(fs *pflag.FlagSet, args []string, n int) ([]string, bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, false, nil
		}
		return nil, false, errUsage
	}
	switch {
	case fs.NArg() > n:
		return nil, false, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args()[n:], " "))
	case fs.NArg() < n:
		return nil, false, fmt.Errorf("%s: missing argument", fs.Name())
	}
	return fs.Args(), true, nil
}

func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	var de *deploy.Error
	if !errors.As(err, &de) {
		return
	}
	if len(de.Details) > 0 {
		fmt.Fprintln(w)
		for _, d := range de.Details {
			lines := strings.Split(strings.TrimRight(d, "\n"), "\n")
			fmt.Fprintf(w, "  • %s\n", lines[0])
			for _, line := range lines[1:] {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	if de.Hint != "" {
		fmt.Fprintf(w, "\nhint: %s\n", de.Hint)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "forge CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	forge deploy [--build-dir dir] [-v|--verbose] [--skip-build] [--dry-run] [--env KEY=VALUE]...
	forge list [--format table|json] [-v|--verbose]
	forge delete <slug> [-f|--force] [--keep-data]
	forge login
	forge logout
	forge whoami
	forge version
`)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, strings.TrimSpace(buildVersion))
}
