package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/splax/forge/pkg/logger"
)

// ErrEmptyBundle is returned when filtering leaves nothing to archive.
var ErrEmptyBundle = errors.New("no files to bundle after applying exclusion filters")

// DefaultExclusions are applied to every bundle regardless of project
// configuration. Patterns use .dockerignore syntax; a leading **/ matches at
// any depth.
var DefaultExclusions = []string{
	"**/node_modules",
	"**/.git",
	".gitignore",
	".gitattributes",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/*.log",
	"**/npm-debug.log*",
	"**/yarn-debug.log*",
	"**/yarn-error.log*",
	"**/pnpm-debug.log*",
	".npm",
	".yarn",
	".pnpm",
	"**/.env",
	"**/.env.local",
	"**/.env.development.local",
	"**/.env.test.local",
	"**/.env.production.local",
	"**/*.tmp",
	"**/*.temp",
	"**/coverage",
	"**/.nyc_output",
	"**/.coverage",
	"**/test",
	"**/tests",
	"**/__tests__",
	"**/*.test.js",
	"**/*.test.ts",
	"**/*.spec.js",
	"**/*.spec.ts",
	"**/.eslintrc*",
	"**/.prettierrc*",
	"**/jest.config.*",
	"**/webpack.config.*",
	"**/vite.config.*",
	"**/rollup.config.*",
	"**/.babelrc*",
	"LICENSE",
	"LICENSE.txt",
	"**/*.md",
	"**/.vscode",
	"**/.idea",
	"**/*.iml",
	".editorconfig",
	".forgekit",
}

// NextInclusions re-admit config files a containerised Next.js build needs.
var NextInclusions = []string{
	"tsconfig.json",
	"next.config.*",
	"tailwind.config.*",
	"postcss.config.*",
	"next-env.d.ts",
}

// FrameworkInclusions returns re-inclusion patterns for frontend. Next.js
// projects only need them when they ship their own Dockerfile.
func FrameworkInclusions(frontend string, hasDockerfile bool) []string {
	if strings.EqualFold(strings.TrimSpace(frontend), "nextjs") && hasDockerfile {
		return append([]string(nil), NextInclusions...)
	}
	return nil
}

// File is one resolved bundle entry.
type File struct {
	// Path is relative to the project root using forward slashes.
	Path string
	Size int64
}

// Estimate summarises what a bundle will contain before it is written.
type Estimate struct {
	Bytes int64
	Files int
}

// Builder selects and archives project files.
type Builder struct {
	root       string
	exclude    *patternmatcher.PatternMatcher
	include    *patternmatcher.PatternMatcher
	canPrune   bool
	patterns   int
	inclusions int
	logger     *slog.Logger
}

// Option customises a Builder.
type Option func(*options)

type options struct {
	inclusions []string
	extra      []string
	logger     *slog.Logger
}

// WithInclusions adds re-inclusion patterns that override exclusions.
func WithInclusions(patterns []string) Option {
	return func(o *options) { o.inclusions = append(o.inclusions, patterns...) }
}

// WithExclusions adds exclusion patterns on top of the defaults.
func WithExclusions(patterns []string) Option {
	return func(o *options) { o.extra = append(o.extra, patterns...) }
}

// WithLogger sets the builder logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New prepares a Builder for the project at root, reading its .dockerignore.
func New(root string, opts ...Option) (*Builder, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	o := options{logger: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	ignored, err := readDockerignore(abs)
	if err != nil {
		o.logger.Warn("could not read .dockerignore", "error", err)
	}
	patterns := make([]string, 0, len(DefaultExclusions)+len(ignored)+len(o.extra))
	patterns = append(patterns, DefaultExclusions...)
	patterns = append(patterns, ignored...)
	patterns = append(patterns, o.extra...)

	exclude, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("compile exclusion patterns: %w", err)
	}
	b := &Builder{
		root:       abs,
		exclude:    exclude,
		canPrune:   !exclude.Exclusions(),
		patterns:   len(patterns),
		inclusions: len(o.inclusions),
		logger:     o.logger,
	}
	if len(o.inclusions) > 0 {
		include, err := patternmatcher.New(o.inclusions)
		if err != nil {
			return nil, fmt.Errorf("compile inclusion patterns: %w", err)
		}
		b.include = include
	}
	b.logger.Debug("bundle filter ready",
		"patterns", b.patterns, "from_dockerignore", len(ignored), "inclusions", b.inclusions)
	return b, nil
}

// Root returns the absolute project root.
func (b *Builder) Root() string { return b.root }

func readDockerignore(root string) ([]string, error) {
	f, err := os.Open(filepath.Join(root, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}

// Excluded reports whether rel (relative to root, either separator) is
// filtered out. Re-inclusion always wins.
func (b *Builder) Excluded(rel string) (bool, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." {
		return false, nil
	}
	if b.include != nil {
		included, err := b.include.MatchesOrParentMatches(rel)
		if err != nil {
			return false, err
		}
		if included {
			return false, nil
		}
	}
	return b.exclude.MatchesOrParentMatches(rel)
}

// Resolve expands candidates (paths relative to root) into the sorted list of
// files that survive filtering. Missing candidates are skipped.
func (b *Builder) Resolve(candidates []string) ([]File, error) {
	seen := make(map[string]File)
	for _, candidate := range candidates {
		rel, err := b.relative(candidate)
		if err != nil {
			return nil, err
		}
		abs := filepath.Join(b.root, rel)
		info, err := os.Lstat(abs)
		if errors.Is(err, os.ErrNotExist) {
			b.logger.Debug("skipping non-existent path", "path", candidate)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", candidate, err)
		}
		excluded, err := b.Excluded(rel)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !excluded && keepable(info.Mode()) {
				seen[rel] = File{Path: filepath.ToSlash(rel), Size: info.Size()}
			}
			continue
		}
		if excluded && b.canPrune {
			b.logger.Debug("excluding directory", "path", candidate)
			continue
		}
		if err := b.walk(abs, seen); err != nil {
			return nil, err
		}
	}

	files := make([]File, 0, len(seen))
	for _, f := range seen {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (b *Builder) walk(dir string, seen map[string]File) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		excluded, err := b.Excluded(rel)
		if err != nil {
			return err
		}
		if d.IsDir() {
			// With ! exceptions present a child may be re-admitted, so only
			// prune when no exception exists.
			if excluded && b.canPrune {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !keepable(info.Mode()) {
			return nil
		}
		seen[rel] = File{Path: filepath.ToSlash(rel), Size: info.Size()}
		return nil
	})
}

func (b *Builder) relative(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		candidate = "."
	}
	path := filepath.FromSlash(candidate)
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return "", fmt.Errorf("candidate %s: %w", candidate, err)
		}
		path = rel
	}
	path = filepath.Clean(path)
	if path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("candidate %s is outside the project root", candidate)
	}
	return path, nil
}

func keepable(mode fs.FileMode) bool {
	return mode.IsRegular() || mode&fs.ModeSymlink != 0
}

// Estimate sums the size of the files Resolve would select.
func (b *Builder) Estimate(candidates []string) (Estimate, error) {
	files, err := b.Resolve(candidates)
	if err != nil {
		return Estimate{}, err
	}
	var est Estimate
	for _, f := range files {
		est.Bytes += f.Size
		est.Files++
	}
	return est, nil
}
