package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/splax/forge/internal/credential"
	"github.com/splax/forge/internal/deploy"
	"github.com/splax/forge/internal/login"
	"github.com/splax/forge/internal/metrics"
	"github.com/splax/forge/internal/progress"
	"github.com/splax/forge/internal/workspace"
	"github.com/splax/forge/pkg/api/client"
	"github.com/splax/forge/pkg/logger"
)

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (a *app) commandDeploy(ctx context.Context, args []string) error {
	fs := newFlagSet("deploy", a.stderr)
	buildDir := fs.String("build-dir", "", "Directory containing build output")
	verbose := fs.BoolP("verbose", "v", false, "Show detailed deployment progress and debugging information")
	skipBuild := fs.Bool("skip-build", false, "Skip the build step (use existing build output)")
	dryRun := fs.Bool("dry-run", false, "Show what would be deployed without actually deploying")
	envPairs := fs.StringArray("env", nil, "Environment variable for the deployment as KEY=VALUE (repeatable)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	env, err := parseEnv(*envPairs)
	if err != nil {
		return err
	}

	level := a.cfg.LogLevel
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.NewWithWriter(a.stderr, "forge", level)

	store := a.store(log)
	api, err := a.apiClient(log)
	if err != nil {
		return err
	}
	ws, err := workspace.New(filepath.Join(a.cfg.ConfigDir, "runs"))
	if err != nil {
		return err
	}
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	recorder := metrics.NewRecorder(log)
	orch := deploy.New(deploy.Config{
		BuildAttempts:  a.cfg.BuildAttempts,
		BuildBackoff:   a.cfg.BuildBackoff,
		UploadAttempts: a.cfg.UploadAttempts,
		UploadBackoff:  a.cfg.UploadBackoff,

		BundleExclusions: a.cfg.BundleExclude,
	}, store, api, ws,
		deploy.WithLogin(a.loginFunc(store, log)),
		deploy.WithObserver(progress.New(a.stdout, progress.WithVerbose(*verbose))),
		deploy.WithObserver(recorder),
		deploy.WithLogger(log),
		deploy.WithClock(a.now),
	)

	res, runErr := orch.Run(ctx, deploy.Options{
		Root:      root,
		BuildDir:  *buildDir,
		SkipBuild: *skipBuild,
		DryRun:    *dryRun,
		Env:       env,
	})

	if url := a.cfg.MetricsPushURL; url != "" && !*dryRun {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := recorder.Push(pushCtx, url, map[string]string{"project": res.Deployment.Slug}); err != nil {
			log.Warn("metrics push failed", "error", err)
		}
	}
	return runErr
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKey.MatchString(key) {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func (a *app) apiClient(log *slog.Logger) (*client.Client, error) {
	return client.New(a.cfg.APIBaseURL,
		client.WithLogger(log),
		client.WithAllowedDomains(a.cfg.AllowedDomains),
		client.WithVersion(buildVersion),
		client.WithTimeouts(a.cfg.RequestTimeout, a.cfg.UploadTimeout),
	)
}

func (a *app) store(log *slog.Logger) *credential.Store {
	return credential.NewStore(a.cfg.ConfigDir,
		credential.WithEnvToken(a.cfg.Token),
		credential.WithLogger(log),
		credential.WithClock(a.now),
	)
}

func (a *app) loginFunc(store *credential.Store, log *slog.Logger) deploy.LoginFunc {
	return func(ctx context.Context) (string, error) {
		h := login.New(login.Config{
			AuthBaseURL:  a.cfg.AuthBaseURL,
			Host:         a.cfg.CallbackHost,
			Port:         a.cfg.CallbackPort,
			PortAttempts: a.cfg.CallbackPortTry,
			Timeout:      a.cfg.LoginTimeout,
		}, store,
			login.WithOutput(a.stdout),
			login.WithLogger(log),
			login.WithOpener(a.browser()),
		)
		return h.Run(ctx)
	}
}

func (a *app) browser() login.Opener {
	if a.opener == nil && a.cfg.NoBrowser {
		return login.NoBrowser
	}
	return a.opener
}
