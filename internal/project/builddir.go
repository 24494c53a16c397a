package project

import (
	"path/filepath"
	"strings"
)

var frontendBuildDirs = map[string]string{
	"react-vite": "dist",
	"vue-vite":   "dist",
	"sveltekit":  "build",
	"nextjs":     ".next",
	"astro":      "dist",
	"angular":    "dist",
}

var buildDirGuesses = []string{"dist", "build", ".next", "out"}

// BuildDirSource records which rule picked the build directory.
type BuildDirSource string

const (
	SourceFlag      BuildDirSource = "flag"
	SourceConfig    BuildDirSource = "config"
	SourceLegacy    BuildDirSource = "legacy config"
	SourceFramework BuildDirSource = "framework default"
	SourceDetected  BuildDirSource = "detected"
	SourceDefault   BuildDirSource = "default"
)

// ResolveBuildDir applies, in order: the explicit flag, build.buildDir, the
// legacy top-level buildDir, the frontend default, the first existing common
// output directory, and finally dist. cfg may be nil.
func ResolveBuildDir(root, flag string, cfg *Config) (string, BuildDirSource) {
	if v := strings.TrimSpace(flag); v != "" {
		return v, SourceFlag
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.Build.BuildDir); v != "" {
			return v, SourceConfig
		}
		if v := strings.TrimSpace(cfg.LegacyBuildDir); v != "" {
			return v, SourceLegacy
		}
		if v, ok := frontendBuildDirs[cfg.Frontend()]; ok {
			return v, SourceFramework
		}
	}
	for _, guess := range buildDirGuesses {
		if dirExists(filepath.Join(root, guess)) {
			return guess, SourceDetected
		}
	}
	return "dist", SourceDefault
}

// BuildCommand returns the configured build command, or the lockfile-derived
// one when none is configured.
func BuildCommand(root string, cfg *Config) (string, PackageManager) {
	pm := DetectPackageManager(root)
	if cfg != nil {
		if cmd := strings.TrimSpace(cfg.Build.Command); cmd != "" {
			return cmd, pm
		}
	}
	return pm.BuildCommand(), pm
}
