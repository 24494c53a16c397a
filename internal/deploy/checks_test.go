package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/forge/internal/project"
	"github.com/splax/forge/pkg/api/client"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestCheckReadinessWarnings(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":         `{"scripts":{"build":"next build"}}`,
		".env.local":           "TOKEN=1",
		".gitignore":           "node_modules\n",
		"backend/package.json": `{"scripts":{"start":"node index.js"}}`,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".next"), 0o755))
	cfg := &project.Config{Stack: project.Stack{Frontend: "nextjs", Backend: "express"}}

	r := CheckReadiness(Readiness{Root: root, Config: cfg, BuildDir: ".next"})
	assert.Empty(t, r.Errors)
	assert.Contains(t, r.Warnings, "Build directory .next is empty. Run build first or use --skip-build flag.")
	assert.Contains(t, r.Warnings, "No nextjs config file found. Expected one of: next.config.ts, next.config.js, next.config.mjs")
	assert.Contains(t, r.Warnings, "Sensitive files not in .gitignore: .env.local")
	assert.Contains(t, r.Info, "Build command: next build")
	assert.Contains(t, r.Info, "Environment files found: .env.local")
}

func TestEnvFilesMatchGitignoreByPattern(t *testing.T) {
	cases := []struct {
		name      string
		gitignore string
		want      string
	}{
		{"sibling name is not enough", ".env.local\n", "Sensitive files not in .gitignore: .env, .env.production"},
		{"glob covers all", "# secrets\n.env*\n", ""},
		{"negation re-exposes", ".env*\n!.env.production\n", "Sensitive files not in .gitignore: .env.production"},
		{"anchored and directory entries", "/.env\n.env.local/\n", "Sensitive files not in .gitignore: .env.local, .env.production"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeTree(t, root, map[string]string{
				".env":            "A=1",
				".env.local":      "B=2",
				".env.production": "C=3",
				".gitignore":      tc.gitignore,
			})
			var r Report
			checkEnvFiles(&r, root)
			if tc.want == "" {
				assert.Empty(t, r.Warnings)
				return
			}
			assert.Equal(t, []string{tc.want}, r.Warnings)
		})
	}
}

func TestCheckReadinessSkipBuildToleratesMissingScript(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"package.json": `{"scripts":{}}`})
	cfg := &project.Config{}

	assert.Equal(t, []string{`package.json missing "build" script required for deployment`},
		CheckReadiness(Readiness{Root: root, Config: cfg, BuildDir: "dist"}).Errors)
	assert.Empty(t, CheckReadiness(Readiness{Root: root, Config: cfg, BuildDir: "dist", SkipBuild: true}).Errors)
}

func TestCheckReadinessBackendStartScript(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":         `{"scripts":{"build":"vite build"}}`,
		"backend/package.json": `{"scripts":{"dev":"nodemon"}}`,
	})
	cfg := &project.Config{Stack: project.Stack{Backend: "express"}}
	r := CheckReadiness(Readiness{Root: root, Config: cfg, BuildDir: "dist"})
	assert.Equal(t, []string{`Backend package.json missing "start" script`}, r.Errors)
}

func TestVerifyBuildOutput(t *testing.T) {
	root := t.TempDir()

	r := VerifyBuildOutput(root, "dist", "react-vite")
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "does not exist")

	writeTree(t, root, map[string]string{"dist": "not a dir"})
	r = VerifyBuildOutput(root, "dist", "react-vite")
	assert.Equal(t, []string{"dist is not a directory"}, r.Errors)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	r = VerifyBuildOutput(root, "empty", "react-vite")
	assert.Equal(t, []string{"Build directory 'empty' is empty"}, r.Errors)

	writeTree(t, root, map[string]string{
		"out/assets/a.js":               "a",
		"out/assets/b.css":              "b",
		"out/node_modules/pkg/index.js": "x",
		"out/debug.log":                 "log",
		"out/.env":                      "SECRET=1",
	})
	r = VerifyBuildOutput(root, "out", "vue-vite")
	assert.Empty(t, r.Errors)
	assert.Contains(t, r.Warnings, "No index.html found in build output")
	assert.Contains(t, r.Info, "Found 2 asset files")
	assert.Contains(t, r.Warnings, "Build contains node_modules directory - this should not be deployed: node_modules")
	assert.Contains(t, r.Warnings, "Build contains .env files - ensure secrets are not included: .env")
	assert.Contains(t, r.Warnings, "Build contains log files - consider excluding these: debug.log")
	for _, w := range r.Warnings {
		assert.NotContains(t, w, "node_modules/pkg", "node_modules should not be descended")
	}
}

func TestVerifyNextStandalone(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{".next/standalone/server.js": "x"})
	r := VerifyBuildOutput(root, ".next", "nextjs")
	assert.Empty(t, r.Errors)
	assert.Contains(t, r.Info, "Next.js standalone build detected")
}

func TestParseCommand(t *testing.T) {
	args, err := parseCommand(`npm run build -- --base "/my app/" 'x y'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"npm", "run", "build", "--", "--base", "/my app/", "x y"}, args)

	_, err = parseCommand(`npm run "build`)
	assert.Error(t, err)
}

func TestRunCommandReportsMissingExecutable(t *testing.T) {
	out, err := runCommand(context.Background(), "forge-definitely-missing-binary build", t.TempDir())
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "Command not found. Make sure all required tools are installed.", buildHint(out, err, "npm"))
}

func TestBuildHints(t *testing.T) {
	assert.Contains(t, buildHint("Error: Cannot find module 'vite'", errors.New("exit 1"), "pnpm"), "pnpm install")
	assert.Contains(t, buildHint("EACCES: permission denied", errors.New("exit 1"), "npm"), "Permission denied")
	assert.Contains(t, buildHint("", errors.New("exit 2"), "npm"), "try building locally")
}

func TestUploadFailureHints(t *testing.T) {
	tooLarge := uploadFailure(&client.APIError{Status: 413, Kind: client.KindTooLarge, Message: "too big"})
	assert.Equal(t, KindUpload, tooLarge.Kind)
	assert.Len(t, tooLarge.Details, 3)

	limited := uploadFailure(&client.APIError{Status: 429, Kind: client.KindRateLimited})
	assert.True(t, strings.HasPrefix(limited.Hint, "Rate limit exceeded"))

	reset := uploadFailure(&client.NetworkError{Op: "POST /deploy_cli", Err: errors.New("read: connection reset by peer")})
	assert.Contains(t, reset.Hint, "network issues")

	sec := uploadFailure(&client.SecurityError{Reason: "untrusted certificate", Host: "api.forgekit.ai"})
	assert.Equal(t, KindSecurity, sec.Kind)
}

func TestEndpointFor(t *testing.T) {
	assert.Equal(t, "https://api.forgekit.ai/deploy_cli", endpointFor("https://api.forgekit.ai/", ""))
	assert.Equal(t, "https://api.forgekit.ai/redeploy/my%20app", endpointFor("https://api.forgekit.ai", "my app"))
}
