package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// FileName is the project deployment record kept in the project root.
const FileName = "forgekit.json"

var (
	// ErrConfigNotFound is returned when the project has no forgekit.json.
	ErrConfigNotFound = errors.New("forgekit.json not found")
	// ErrInvalidConfig is returned when forgekit.json does not parse.
	ErrInvalidConfig = errors.New("forgekit.json is not valid JSON")
)

// Stack identifies the generators a project was scaffolded with.
type Stack struct {
	Frontend string `json:"frontend,omitempty"`
	Backend  string `json:"backend,omitempty"`
	UI       string `json:"ui,omitempty"`
	Database string `json:"database,omitempty"`
}

// Build holds build settings.
type Build struct {
	BuildDir string `json:"buildDir,omitempty"`
	Command  string `json:"command,omitempty"`
}

// Deployment is the identity returned by the first successful deploy.
type Deployment struct {
	Slug         string `json:"slug"`
	URL          string `json:"url"`
	LastDeployed string `json:"lastDeployed"`
	BuildID      string `json:"buildId,omitempty"`
}

// Config is the parsed forgekit.json. Keys this package does not model are
// kept and written back untouched.
type Config struct {
	Slug        string      `json:"slug,omitempty"`
	ProjectName string      `json:"projectName,omitempty"`
	Stack       Stack       `json:"stack"`
	Build       Build       `json:"build"`
	Deployment  *Deployment `json:"deployment,omitempty"`

	// Older records kept these at the top level.
	LegacyBuildDir string `json:"buildDir,omitempty"`
	LegacyFrontend string `json:"frontend,omitempty"`

	path string
	doc  map[string]json.RawMessage
}

// Load reads forgekit.json from dir. Comments and trailing commas are
// tolerated.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	clean := jsonc.ToJSON(data)
	cfg := &Config{path: path}
	if err := json.Unmarshal(clean, &cfg.doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(clean, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Frontend returns the frontend identifier from either record layout.
func (c *Config) Frontend() string {
	if c == nil {
		return ""
	}
	if c.Stack.Frontend != "" {
		return c.Stack.Frontend
	}
	return c.LegacyFrontend
}

// ExistingSlug returns the slug of a prior deployment, if any. Only the
// deployment identity counts; the top-level slug is a naming hint.
func (c *Config) ExistingSlug() string {
	if c == nil || c.Deployment == nil {
		return ""
	}
	return strings.TrimSpace(c.Deployment.Slug)
}

// RecordDeployment stores the identity returned by the API and saves.
func (c *Config) RecordDeployment(slug, url, buildID string, at time.Time) error {
	c.Deployment = &Deployment{
		Slug:         slug,
		URL:          url,
		LastDeployed: at.UTC().Format(time.RFC3339),
		BuildID:      buildID,
	}
	return c.Save()
}

// Save writes the deployment identity back, preserving every other key and
// its value. The file is rewritten as plain JSON: top-level keys come out in
// sorted order and comments or trailing commas from the original are lost.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("project config has no path")
	}
	if c.doc == nil {
		c.doc = map[string]json.RawMessage{}
	}
	if c.Deployment != nil {
		raw, err := json.Marshal(c.Deployment)
		if err != nil {
			return fmt.Errorf("encode deployment: %w", err)
		}
		c.doc["deployment"] = raw
	} else {
		delete(c.doc, "deployment")
	}
	data, err := json.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	return nil
}
