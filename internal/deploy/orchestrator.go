// Package deploy drives a local project through authentication, build,
// bundling and upload.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/splax/forge/internal/bundle"
	"github.com/splax/forge/internal/pipeline"
	"github.com/splax/forge/internal/project"
	"github.com/splax/forge/internal/retry"
	"github.com/splax/forge/internal/workspace"
	"github.com/splax/forge/pkg/api/client"
	"github.com/splax/forge/pkg/logger"
)

const (
	bundleName       = "bundle.tar.gz"
	largeBundleBytes = 100 << 20
	defaultPort      = 3000
)

// Credentials yields the stored bearer token.
type Credentials interface {
	Token() (string, error)
}

// LoginFunc runs an interactive login and returns the new token.
type LoginFunc func(ctx context.Context) (string, error)

// Uploader is the subset of the API client used for uploads.
type Uploader interface {
	BaseURL() string
	Deploy(ctx context.Context, in client.DeployRequest) (client.Deployment, error)
	Redeploy(ctx context.Context, slug string, in client.DeployRequest) (client.Deployment, error)
}

// Config bounds retries and extends the bundle filter.
type Config struct {
	BuildAttempts  int
	BuildBackoff   time.Duration
	UploadAttempts int
	UploadBackoff  time.Duration
	// BundleExclusions are added to the default and .dockerignore rules.
	BundleExclusions []string
}

// Options describe one deployment run.
type Options struct {
	Root      string
	BuildDir  string
	SkipBuild bool
	DryRun    bool
	Env       map[string]string
}

// Result describes a finished run.
type Result struct {
	Deployment client.Deployment
	Redeploy   bool
	DryRun     bool
	BuildDir   string
	Endpoint   string
	Bundle     bundle.Archive
}

// Orchestrator runs deployments. It is safe to reuse across runs but not
// concurrently.
type Orchestrator struct {
	cfg       Config
	creds     Credentials
	login     LoginFunc
	api       Uploader
	workspace *workspace.Manager
	runner    Runner
	observers []pipeline.Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogin sets the fallback used when no stored credential is valid.
func WithLogin(fn LoginFunc) Option {
	return func(o *Orchestrator) { o.login = fn }
}

// WithRunner replaces the build command runner.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.runner = r
		}
	}
}

// WithObserver subscribes to pipeline events.
func WithObserver(obs pipeline.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an Orchestrator.
func New(cfg Config, creds Credentials, api Uploader, ws *workspace.Manager, opts ...Option) *Orchestrator {
	if cfg.BuildAttempts <= 0 {
		cfg.BuildAttempts = 3
	}
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = 3
	}
	o := &Orchestrator{
		cfg:       cfg,
		creds:     creds,
		api:       api,
		workspace: ws,
		runner:    runCommand,
		logger:    logger.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries state between steps of a single deployment.
type run struct {
	opts      Options
	root      string
	token     string
	config    *project.Config
	manifest  *project.Manifest
	frontend  string
	pm        project.PackageManager
	buildDir  string
	slug      string
	sentSlug  string
	endpoint  string
	archive   bundle.Archive
	result    client.Deployment
	cleanups  []func() error
	workspace string
}

// Run executes the pipeline. A failed step stops the run; temporary files
// are removed on every path.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	pipeOpts := []pipeline.Option{pipeline.WithClock(o.now)}
	for _, obs := range o.observers {
		pipeOpts = append(pipeOpts, pipeline.WithObserver(obs))
	}
	p := pipeline.New(opts.SkipBuild, pipeOpts...)

	st := &run{opts: opts}
	err := func() error {
		defer o.cleanup(p, st)
		return o.execute(ctx, p, st)
	}()
	p.Finish(err)

	res := Result{
		Deployment: st.result,
		Redeploy:   st.slug != "",
		DryRun:     opts.DryRun && err == nil,
		BuildDir:   st.buildDir,
		Endpoint:   st.endpoint,
		Bundle:     st.archive,
	}
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, p *pipeline.Pipeline, st *run) error {
	if err := p.Run(ctx, pipeline.Authenticate, func(ctx context.Context) (string, error) {
		return o.authenticate(ctx, p, st)
	}); err != nil {
		return err
	}

	if err := p.Run(ctx, pipeline.Prepare, func(ctx context.Context) (string, error) {
		return o.prepare(p, st)
	}); err != nil {
		return err
	}
	if st.opts.DryRun {
		o.summarizePlan(p, st)
		return nil
	}

	if !st.opts.SkipBuild {
		if err := p.Run(ctx, pipeline.Build, func(ctx context.Context) (string, error) {
			return o.build(ctx, p, st)
		}); err != nil {
			return err
		}
	}

	steps := []struct {
		step pipeline.Step
		fn   func(context.Context) (string, error)
	}{
		{pipeline.Bundle, func(ctx context.Context) (string, error) { return o.bundle(ctx, p, st) }},
		{pipeline.Upload, func(ctx context.Context) (string, error) { return o.upload(ctx, p, st) }},
		{pipeline.Process, func(context.Context) (string, error) { return o.process(p, st) }},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Run(ctx, s.step, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) authenticate(ctx context.Context, p *pipeline.Pipeline, st *run) (string, error) {
	token, err := o.creds.Token()
	if err == nil && token != "" {
		p.Log(pipeline.Debug, "Authentication token validated")
		st.token = token
		return "Authenticated", nil
	}
	if o.login == nil {
		return "", &Error{Kind: KindAuthentication, Step: pipeline.Authenticate, Err: err,
			Hint: "Run `forge login` first."}
	}
	p.Log(pipeline.Info, "No active session found; starting browser login")
	token, err = o.login(ctx)
	if err != nil {
		return "", &Error{Kind: KindAuthentication, Step: pipeline.Authenticate, Err: err,
			Hint: "Unable to authenticate. Run `forge login` and try again."}
	}
	st.token = token
	return "Authenticated", nil
}

func (o *Orchestrator) prepare(p *pipeline.Pipeline, st *run) (string, error) {
	root := st.opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &Error{Kind: KindValidation, Step: pipeline.Prepare, Err: err}
	}
	st.root = abs

	cfg, cfgErr := project.Load(abs)
	if cfgErr == nil {
		st.config = cfg
	}
	st.buildDir, _ = resolveBuildDir(p, abs, st.opts.BuildDir, st.config)

	report := CheckReadiness(Readiness{
		Root:      abs,
		Config:    st.config,
		ConfigErr: cfgErr,
		BuildDir:  st.buildDir,
		SkipBuild: st.opts.SkipBuild,
	})
	publish(p, report)
	if !report.OK() {
		return "", &Error{
			Kind:    KindValidation,
			Step:    pipeline.Prepare,
			Err:     ErrValidation,
			Hint:    "Fix the problems above and run `forge deploy` again.",
			Details: report.Errors,
		}
	}

	st.manifest, _, _ = project.LoadManifest(abs)
	st.frontend = st.config.Frontend()
	if st.frontend == "" {
		st.frontend = project.DetectFrontend(st.manifest)
		if st.frontend != "" {
			p.Log(pipeline.Debug, "Detected %s from package.json", st.frontend)
		}
	}
	st.slug = st.config.ExistingSlug()
	st.endpoint = endpointFor(o.api.BaseURL(), st.slug)
	if st.slug != "" {
		p.Log(pipeline.Debug, "Existing deployment %s found; redeploying", st.slug)
	}
	p.Log(pipeline.Debug, "Deploy URL: %s", st.endpoint)
	return "Deployment prepared", nil
}

func resolveBuildDir(p *pipeline.Pipeline, root, flag string, cfg *project.Config) (string, project.BuildDirSource) {
	dir, source := project.ResolveBuildDir(root, flag, cfg)
	p.Log(pipeline.Debug, "Build directory: %s (%s)", dir, source)
	return dir, source
}

func (o *Orchestrator) summarizePlan(p *pipeline.Pipeline, st *run) {
	mode := "create"
	if st.slug != "" {
		mode = "redeploy " + st.slug
	}
	skip := "No"
	if st.opts.SkipBuild {
		skip = "Yes"
	}
	p.Summarize("Dry Run - Deployment Preview",
		pipeline.Field{Key: "Build Directory", Value: st.buildDir},
		pipeline.Field{Key: "Target URL", Value: st.endpoint},
		pipeline.Field{Key: "Mode", Value: mode},
		pipeline.Field{Key: "Bundle", Value: o.bundlePlan(st)},
		pipeline.Field{Key: "Skip Build", Value: skip},
	)
	p.Log(pipeline.Success, "Dry run completed. Use `forge deploy` without --dry-run to actually deploy.")
}

func (o *Orchestrator) bundlePlan(st *run) string {
	b, err := o.bundler(st)
	if err != nil {
		return "project root (filtered)"
	}
	est, err := b.Estimate([]string{"."})
	if err != nil {
		return "project root (filtered)"
	}
	return fmt.Sprintf("%d files, %s before compression", est.Files, humanize.Bytes(uint64(est.Bytes)))
}

func (o *Orchestrator) build(ctx context.Context, p *pipeline.Pipeline, st *run) (string, error) {
	command, pm := project.BuildCommand(st.root, st.config)
	st.pm = pm
	p.Log(pipeline.Info, "Running: %s", command)

	var outputs []string
	attempts, err := retry.Do(ctx, retry.Policy{
		Attempts:  o.cfg.BuildAttempts,
		Base:      o.cfg.BuildBackoff,
		Retryable: func(error) bool { return ctx.Err() == nil },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.Retry("build", attempt, o.cfg.BuildAttempts, err, wait)
		},
	}, func(ctx context.Context, attempt int) error {
		out, err := o.runner(ctx, command, st.root)
		outputs = append(outputs, fmt.Sprintf("attempt %d:\n%s", attempt, truncateOutput(out)))
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line != "" {
				p.Output(line)
			}
		}
		return nil
	})
	if err != nil {
		last := ""
		if len(outputs) > 0 {
			last = outputs[len(outputs)-1]
		}
		return "", &Error{
			Kind:    KindBuild,
			Step:    pipeline.Build,
			Err:     fmt.Errorf("%s failed after %d attempts: %w", command, attempts, err),
			Hint:    buildHint(last, err, pm.String()),
			Details: outputs,
		}
	}
	return "Build completed", nil
}

func (o *Orchestrator) bundle(ctx context.Context, p *pipeline.Pipeline, st *run) (string, error) {
	frontend := st.frontend
	report := VerifyBuildOutput(st.root, st.buildDir, frontend)
	publish(p, report)
	if !report.OK() {
		return "", &Error{
			Kind:    KindValidation,
			Step:    pipeline.Bundle,
			Err:     ErrVerification,
			Hint:    "Ensure your build script generates the correct output directory, or pass --build-dir.",
			Details: report.Errors,
		}
	}

	pm := st.pm
	if pm == "" {
		pm = project.DetectPackageManager(st.root)
	}
	created, cleanup, err := bundle.MaterializeDockerfile(st.root, bundle.DockerfileSpec{
		PackageManager: pm.String(),
		Lockfile:       pm.LockfileIn(st.root),
		Frontend:       frontend,
		BuildDir:       st.buildDir,
		HasStartScript: st.manifest.HasScript("start"),
		Port:           defaultPort,
	})
	if err != nil {
		return "", &Error{Kind: KindBundle, Step: pipeline.Bundle, Err: err}
	}
	st.cleanups = append(st.cleanups, cleanup)
	if created {
		p.Log(pipeline.Debug, "Generated Dockerfile for the runtime image")
	}

	builder, err := o.bundler(st)
	if err != nil {
		return "", &Error{Kind: KindBundle, Step: pipeline.Bundle, Err: err}
	}
	id, dir, err := o.workspace.Prepare()
	if err != nil {
		return "", &Error{Kind: KindBundle, Step: pipeline.Bundle, Err: err}
	}
	st.workspace = id

	archive, err := builder.Build(ctx, []string{"."}, filepath.Join(dir, bundleName))
	if err != nil {
		hint := ""
		if errors.Is(err, bundle.ErrEmptyBundle) {
			hint = "Check your .dockerignore; every file was excluded."
		}
		return "", &Error{Kind: KindBundle, Step: pipeline.Bundle, Err: err, Hint: hint}
	}
	st.archive = archive
	p.Bundled(archive.Bytes, len(archive.Files))
	p.Log(pipeline.Debug, "Bundle: %s uncompressed, %s compressed", humanize.Bytes(uint64(archive.RawBytes)), humanize.Bytes(uint64(archive.Bytes)))
	if archive.Bytes > largeBundleBytes {
		p.Log(pipeline.Warn, "Large bundle size (%s). Consider optimizing your build.", humanize.Bytes(uint64(archive.Bytes)))
	}
	return fmt.Sprintf("Bundled %d files", len(archive.Files)), nil
}

// bundler applies the same filter to dry-run estimates and real bundles. A
// Dockerfile is always present at archive time, so Next.js re-inclusions
// apply.
func (o *Orchestrator) bundler(st *run) (*bundle.Builder, error) {
	return bundle.New(st.root,
		bundle.WithInclusions(bundle.FrameworkInclusions(st.frontend, true)),
		bundle.WithExclusions(o.cfg.BundleExclusions),
		bundle.WithLogger(o.logger),
	)
}

func (o *Orchestrator) upload(ctx context.Context, p *pipeline.Pipeline, st *run) (string, error) {
	req := client.DeployRequest{
		Token:      st.token,
		Slug:       st.slug,
		BundlePath: st.archive.Path,
		Env:        st.opts.Env,
	}
	if req.Slug == "" && st.config != nil {
		req.Slug = strings.TrimSpace(st.config.Slug)
	}
	st.sentSlug = req.Slug

	started := o.now()
	_, err := retry.Do(ctx, retry.Policy{
		Attempts:  o.cfg.UploadAttempts,
		Base:      o.cfg.UploadBackoff,
		Retryable: client.Retryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.Retry("upload", attempt, o.cfg.UploadAttempts, err, wait)
		},
	}, func(ctx context.Context, _ int) error {
		var err error
		if st.slug != "" {
			st.result, err = o.api.Redeploy(ctx, st.slug, req)
		} else {
			st.result, err = o.api.Deploy(ctx, req)
		}
		return err
	})
	if err != nil {
		return "", uploadFailure(err)
	}
	p.Log(pipeline.Debug, "Upload completed in %s", o.now().Sub(started).Round(100*time.Millisecond))
	return fmt.Sprintf("Uploaded %s", humanize.Bytes(uint64(st.archive.Bytes))), nil
}

func (o *Orchestrator) process(p *pipeline.Pipeline, st *run) (string, error) {
	res := st.result
	// A create response may omit the slug; fall back to the one we sent.
	slug := firstNonEmpty(res.Slug, st.slug, st.sentSlug)
	if slug == "" {
		p.Log(pipeline.Warn, "The API returned no deployment slug; %s was not updated and the next deploy will create a new deployment", project.FileName)
	} else if err := st.config.RecordDeployment(slug, res.URL, res.BuildID, o.now()); err != nil {
		p.Log(pipeline.Warn, "Could not save deployment details to %s: %v", project.FileName, err)
	}

	fields := []pipeline.Field{{Key: "URL", Value: res.URL}}
	if slug != "" {
		fields = append(fields, pipeline.Field{Key: "Slug", Value: slug})
	}
	if res.BuildID != "" {
		fields = append(fields, pipeline.Field{Key: "Build ID", Value: res.BuildID})
	}
	p.Summarize("Deployment Details", fields...)
	p.Summarize("Next steps", pipeline.Field{Key: "View your app", Value: res.URL})
	return "Deployment processing", nil
}

func (o *Orchestrator) cleanup(p *pipeline.Pipeline, st *run) {
	for _, fn := range st.cleanups {
		if err := fn(); err != nil {
			o.logger.Warn("cleanup failed", "error", err)
		}
	}
	if st.workspace != "" {
		if err := o.workspace.CleanupByID(st.workspace); err != nil {
			o.logger.Warn("could not remove bundle workspace", "error", err)
			return
		}
		p.Log(pipeline.Debug, "Cleaned up temporary bundle file")
	}
}

func publish(p *pipeline.Pipeline, r Report) {
	for _, msg := range r.Errors {
		p.Log(pipeline.Error, "%s", msg)
	}
	for _, msg := range r.Warnings {
		p.Log(pipeline.Warn, "%s", msg)
	}
	for _, msg := range r.Info {
		p.Log(pipeline.Debug, "%s", msg)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func endpointFor(base, slug string) string {
	base = strings.TrimRight(base, "/")
	if slug == "" {
		return base + "/deploy_cli"
	}
	return base + "/redeploy/" + url.PathEscape(slug)
}
