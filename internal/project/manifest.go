package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// PackageManager is a Node package manager.
type PackageManager string

const (
	PMNPM  PackageManager = "npm"
	PMYarn PackageManager = "yarn"
	PMPNPM PackageManager = "pnpm"
	PMBun  PackageManager = "bun"
)

func (pm PackageManager) String() string {
	if pm == "" {
		return string(PMNPM)
	}
	return string(pm)
}

// BuildCommand returns the command that runs the project's build script.
func (pm PackageManager) BuildCommand() string {
	switch pm {
	case PMBun:
		return "bun run build"
	case PMPNPM:
		return "pnpm build"
	case PMYarn:
		return "yarn build"
	default:
		return "npm run build"
	}
}

// Lockfile returns the canonical lockfile name for pm.
func (pm PackageManager) Lockfile() string {
	switch pm {
	case PMBun:
		return "bun.lockb"
	case PMPNPM:
		return "pnpm-lock.yaml"
	case PMYarn:
		return "yarn.lock"
	default:
		return "package-lock.json"
	}
}

// LockfileIn returns the lockfile for pm that actually exists in dir, or ""
// when there is none. Bun has a binary and a text format.
func (pm PackageManager) LockfileIn(dir string) string {
	candidates := []string{pm.Lockfile()}
	switch pm {
	case PMBun:
		candidates = append(candidates, "bun.lock")
	case PMNPM, "":
		candidates = append(candidates, "npm-shrinkwrap.json")
	}
	for _, name := range candidates {
		if fileExists(filepath.Join(dir, name)) {
			return name
		}
	}
	return ""
}

// DetectPackageManager picks the package manager by lockfile; the first
// match in bun, pnpm, yarn order wins and npm is the fallback.
func DetectPackageManager(dir string) PackageManager {
	switch {
	case fileExists(filepath.Join(dir, "bun.lockb")), fileExists(filepath.Join(dir, "bun.lock")):
		return PMBun
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PMPNPM
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return PMYarn
	default:
		return PMNPM
	}
}

// Manifest is the subset of package.json the deploy agent reads.
type Manifest struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

// HasDependency reports whether name is a runtime or dev dependency.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

// HasScript reports whether a non-empty script called name exists.
func (m *Manifest) HasScript(name string) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.Scripts[name]) != ""
}

// frontendMarkers map a dependency to the frontend it implies, most specific
// first: Next.js and SvelteKit projects also depend on react or vite.
var frontendMarkers = []struct {
	deps     []string
	frontend string
}{
	{[]string{"next"}, "nextjs"},
	{[]string{"@sveltejs/kit"}, "sveltekit"},
	{[]string{"astro"}, "astro"},
	{[]string{"@angular/core"}, "angular"},
	{[]string{"vue", "vite"}, "vue-vite"},
	{[]string{"react", "vite"}, "react-vite"},
}

// DetectFrontend infers the frontend identifier from package.json
// dependencies. It returns "" when nothing matches.
func DetectFrontend(m *Manifest) string {
	for _, marker := range frontendMarkers {
		matched := true
		for _, dep := range marker.deps {
			if !m.HasDependency(dep) {
				matched = false
				break
			}
		}
		if matched {
			return marker.frontend
		}
	}
	return ""
}

// LoadManifest parses dir/package.json. ok is false when the file is absent;
// err is set when it exists but does not parse.
func LoadManifest(dir string) (manifest *Manifest, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, true, err
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	if m.DevDependencies == nil {
		m.DevDependencies = map[string]string{}
	}
	if m.Scripts == nil {
		m.Scripts = map[string]string{}
	}
	return &m, true, nil
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
