package deploy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"

	"github.com/splax/forge/internal/project"
)

var frameworkConfigFiles = map[string][]string{
	"nextjs":     {"next.config.ts", "next.config.js", "next.config.mjs"},
	"react-vite": {"vite.config.ts", "vite.config.js"},
	"vue-vite":   {"vite.config.ts", "vite.config.js"},
	"sveltekit":  {"svelte.config.js"},
	"astro":      {"astro.config.mjs", "astro.config.js"},
	"angular":    {"angular.json"},
}

var envFiles = []string{".env", ".env.local", ".env.production"}

// Readiness is the input to CheckReadiness.
type Readiness struct {
	Root      string
	Config    *project.Config
	ConfigErr error
	BuildDir  string
	SkipBuild bool
}

// CheckReadiness runs the local checks that must pass before anything is
// built or uploaded. Every problem is reported, not just the first.
func CheckReadiness(in Readiness) Report {
	var r Report

	switch {
	case errors.Is(in.ConfigErr, project.ErrConfigNotFound):
		r.errorf("%s not found. This project may not be a ForgeKit project.", project.FileName)
		return r
	case in.ConfigErr != nil:
		r.errorf("%v", in.ConfigErr)
		return r
	case in.Config == nil:
		r.errorf("%s could not be loaded", project.FileName)
		return r
	}

	manifest, ok, err := project.LoadManifest(in.Root)
	switch {
	case err != nil:
		r.errorf("package.json is invalid JSON: %v", err)
	case !ok && !in.SkipBuild:
		r.errorf("package.json not found in project root")
	case ok && !manifest.HasScript("build") && !in.SkipBuild:
		r.errorf(`package.json missing "build" script required for deployment`)
	case ok && manifest.HasScript("build"):
		r.infof("Build command: %s", manifest.Scripts["build"])
	}

	checkBuildDir(&r, in.Root, in.BuildDir)

	if frontend := in.Config.Frontend(); frontend != "" {
		if expected, known := frameworkConfigFiles[frontend]; known && !anyExists(in.Root, expected) {
			r.warnf("No %s config file found. Expected one of: %s", frontend, strings.Join(expected, ", "))
		}
	}

	if backend := strings.TrimSpace(in.Config.Stack.Backend); backend != "" {
		checkBackend(&r, in.Root)
	}

	checkEnvFiles(&r, in.Root)
	return r
}

func checkBuildDir(r *Report, root, buildDir string) {
	path := filepath.Join(root, buildDir)
	entries, err := os.ReadDir(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.warnf("Build directory %s doesn't exist. Will be created during build.", buildDir)
	case err != nil:
		r.warnf("Build directory %s could not be read: %v", buildDir, err)
	case len(entries) == 0:
		r.warnf("Build directory %s is empty. Run build first or use --skip-build flag.", buildDir)
	default:
		r.infof("Build directory contains %d items", len(entries))
	}
}

func checkBackend(r *Report, root string) {
	dir := filepath.Join(root, "backend")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.errorf("Backend directory not found")
		return
	}
	manifest, ok, err := project.LoadManifest(dir)
	switch {
	case err != nil:
		r.errorf("Backend package.json is invalid: %v", err)
	case !ok:
		r.errorf("Backend package.json not found")
	case !manifest.HasScript("start"):
		r.errorf(`Backend package.json missing "start" script`)
	}
}

func checkEnvFiles(r *Report, root string) {
	var found []string
	for _, name := range envFiles {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return
	}
	r.infof("Environment files found: %s", strings.Join(found, ", "))

	gitignore, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return
	}
	ignored, err := gitignoreMatcher(string(gitignore))
	if err != nil {
		return
	}
	var unprotected []string
	for _, name := range found {
		if ok, err := ignored.MatchesOrParentMatches(name); err != nil || !ok {
			unprotected = append(unprotected, name)
		}
	}
	if len(unprotected) > 0 {
		r.warnf("Sensitive files not in .gitignore: %s", strings.Join(unprotected, ", "))
	}
}

// gitignoreMatcher compiles the root-level view of a .gitignore. Directory
// only patterns are dropped since the env files are regular files.
func gitignoreMatcher(content string) (*patternmatcher.PatternMatcher, error) {
	var patterns []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasSuffix(line, "/") {
			continue
		}
		negate := strings.HasPrefix(line, "!")
		line = strings.TrimPrefix(strings.TrimPrefix(line, "!"), "/")
		if line == "" {
			continue
		}
		if negate {
			line = "!" + line
		}
		patterns = append(patterns, line)
	}
	return patternmatcher.New(patterns)
}

func anyExists(root string, names []string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}
