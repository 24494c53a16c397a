package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DockerfileSpec describes the runtime image synthesised for projects that
// do not ship their own Dockerfile.
type DockerfileSpec struct {
	PackageManager string
	// Lockfile is the lockfile present in the project; empty when none.
	Lockfile       string
	Frontend       string
	BuildDir       string
	HasStartScript bool
	Port           int
}

// HasDockerfile reports whether root contains a Dockerfile (any case).
func HasDockerfile(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, fmt.Errorf("read project root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "dockerfile") {
			return true, nil
		}
	}
	return false, nil
}

// MaterializeDockerfile writes a Dockerfile into root when none exists. The
// returned cleanup removes only a file this call created.
func MaterializeDockerfile(root string, spec DockerfileSpec) (created bool, cleanup func() error, err error) {
	noop := func() error { return nil }
	exists, err := HasDockerfile(root)
	if err != nil {
		return false, noop, err
	}
	if exists {
		return false, noop, nil
	}
	path := filepath.Join(root, "Dockerfile")
	if err := os.WriteFile(path, []byte(RenderDockerfile(spec)), 0o644); err != nil {
		return false, noop, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove generated dockerfile: %w", err)
		}
		return nil
	}, nil
}

// RenderDockerfile returns a Node runtime image that runs as an unprivileged
// user with writable temp and cache directories and a health check.
func RenderDockerfile(spec DockerfileSpec) string {
	port := spec.Port
	if port <= 0 {
		port = 3000
	}
	portStr := strconv.Itoa(port)

	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("# Generated by forge deploy; remove to provide your own.\n")
	b.WriteString("FROM node:20-bullseye-slim AS base\n")
	b.WriteString("WORKDIR /app\n\n")
	lockfile := strings.TrimSpace(spec.Lockfile)
	switch spec.PackageManager {
	case "yarn":
		b.WriteString(copyManifest(lockfile))
		b.WriteString("RUN corepack enable && yarn install" + frozen(lockfile, " --frozen-lockfile") + " --production=false\n\n")
	case "pnpm":
		b.WriteString(copyManifest(lockfile))
		b.WriteString("RUN corepack enable && pnpm install" + frozen(lockfile, " --frozen-lockfile") + "\n\n")
	case "bun":
		b.WriteString(copyManifest(lockfile))
		b.WriteString("RUN npm install -g bun && bun install" + frozen(lockfile, " --frozen-lockfile") + "\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; elif [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n\n")

	b.WriteString("RUN groupadd --system app && useradd --system --gid app --home-dir /app app \\\n")
	b.WriteString("  && mkdir -p /app/.cache /tmp/app \\\n")
	b.WriteString("  && chown -R app:app /app /tmp/app\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV TMPDIR=/tmp/app\n")
	b.WriteString("ENV XDG_CACHE_HOME=/app/.cache\n")
	b.WriteString("ENV npm_config_cache=/app/.cache/npm\n")
	if strings.EqualFold(spec.Frontend, "nextjs") {
		b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
	}
	b.WriteString("ENV PORT=" + portStr + "\n")
	b.WriteString("USER app\n")
	b.WriteString("EXPOSE " + portStr + "\n\n")

	b.WriteString("HEALTHCHECK --interval=30s --timeout=5s --start-period=20s --retries=3 \\\n")
	b.WriteString("  CMD node -e \"fetch('http://127.0.0.1:'+(process.env.PORT||" + portStr + ")+'/').then(r=>process.exit(r.status<500?0:1)).catch(()=>process.exit(1))\"\n\n")

	b.WriteString(startCommand(spec, portStr))
	return b.String()
}

func copyManifest(lockfile string) string {
	if lockfile == "" {
		return "COPY package.json ./\n"
	}
	return "COPY package.json " + filepath.ToSlash(lockfile) + " ./\n"
}

// frozen returns flag only when a lockfile exists to freeze against.
func frozen(lockfile, flag string) string {
	if lockfile == "" {
		return ""
	}
	return flag
}

func startCommand(spec DockerfileSpec, port string) string {
	if !spec.HasStartScript {
		dir := strings.TrimSpace(spec.BuildDir)
		if dir == "" {
			dir = "dist"
		}
		return fmt.Sprintf("CMD [\"npx\",\"--yes\",\"serve\",\"-s\",%q,\"-l\",%q]\n", filepath.ToSlash(dir), port)
	}
	switch spec.PackageManager {
	case "yarn":
		return "CMD [\"yarn\",\"start\"]\n"
	case "pnpm":
		return "CMD [\"pnpm\",\"start\"]\n"
	case "bun":
		return "CMD [\"bun\",\"run\",\"start\"]\n"
	default:
		return "CMD [\"npm\",\"start\"]\n"
	}
}
