package deploy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	warnBuildBytes = 100 << 20
	maxBuildBytes  = 500 << 20
	// maxIssueWarnings bounds the scan output for very large build trees.
	maxIssueWarnings = 20
)

var buildIssues = []struct {
	pattern *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(^|/)node_modules(/|$)`), "Build contains node_modules directory - this should not be deployed"},
	{regexp.MustCompile(`(^|/)\.env$`), "Build contains .env files - ensure secrets are not included"},
	{regexp.MustCompile(`\.log$`), "Build contains log files - consider excluding these"},
}

// VerifyBuildOutput checks the build directory the bundle will be made from.
func VerifyBuildOutput(root, buildDir, frontend string) Report {
	var r Report
	path := filepath.Join(root, buildDir)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		r.errorf("Build directory '%s' does not exist. Check your build output or pass --build-dir.", buildDir)
		return r
	}
	if err != nil {
		r.errorf("Build directory '%s' could not be read: %v", buildDir, err)
		return r
	}
	if !info.IsDir() {
		r.errorf("%s is not a directory", buildDir)
		return r
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		r.errorf("Build directory '%s' could not be read: %v", buildDir, err)
		return r
	}
	if len(entries) == 0 {
		r.errorf("Build directory '%s' is empty", buildDir)
		return r
	}
	r.infof("Build directory contains %d items", len(entries))

	checkFramework(&r, path, frontend)
	checkBuildSize(&r, path)
	scanBuildIssues(&r, path)
	return r
}

func checkFramework(r *Report, path, frontend string) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(path, name))
		return err == nil
	}
	switch frontend {
	case "nextjs":
		switch {
		case exists("standalone"):
			r.infof("Next.js standalone build detected")
		case exists("static"):
			r.infof("Next.js static build detected")
		default:
			r.warnf("Next.js build output structure not recognized")
		}
	case "react-vite", "vue-vite":
		if exists("index.html") {
			r.infof("Static index.html found")
		} else {
			r.warnf("No index.html found in build output")
		}
		if assets, err := os.ReadDir(filepath.Join(path, "assets")); err == nil {
			r.infof("Found %d asset files", len(assets))
		}
	case "sveltekit":
		if exists("index.html") {
			r.infof("SvelteKit static build detected")
		} else {
			r.warnf("SvelteKit build output may not be static")
		}
	case "astro":
		if exists("index.html") {
			r.infof("Astro static build detected")
		} else {
			r.warnf("No index.html found in Astro build")
		}
	case "angular":
		if exists("index.html") {
			r.infof("Angular static build detected")
		} else {
			r.warnf("No index.html found in Angular build")
		}
		if matches, _ := filepath.Glob(filepath.Join(path, "main*.js")); len(matches) > 0 {
			r.infof("Angular bundled files detected")
		}
	}
}

func checkBuildSize(r *Report, path string) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		r.warnf("Could not calculate build size")
		return
	}
	size := humanize.Bytes(uint64(total))
	r.infof("Total build size: %s", size)
	if total > maxBuildBytes {
		r.errorf("Build size (%s) exceeds deployment limits. Please optimize your build.", size)
	} else if total > warnBuildBytes {
		r.warnf("Large build size (%s). Consider optimizing your build.", size)
	}
}

func scanBuildIssues(r *Report, path string) {
	found := 0
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, issue := range buildIssues {
			if issue.pattern.MatchString(rel) {
				if found < maxIssueWarnings {
					r.warnf("%s: %s", issue.message, rel)
				}
				found++
			}
		}
		if d.IsDir() && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		r.warnf("Could not scan build output for common issues")
		return
	}
	if found > maxIssueWarnings {
		r.warnf("%d more build output issues not shown", found-maxIssueWarnings)
	}
}
