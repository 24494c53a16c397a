package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/splax/forge/internal/pipeline"
	"github.com/splax/forge/pkg/api/client"
)

// Kind groups deployment failures by what the user has to fix.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindBuild          Kind = "build"
	KindBundle         Kind = "bundle"
	KindUpload         Kind = "upload"
	KindSecurity       Kind = "security"
)

var (
	// ErrValidation is wrapped by readiness failures.
	ErrValidation = errors.New("deployment validation failed")
	// ErrVerification is wrapped by build output failures.
	ErrVerification = errors.New("build verification failed")
)

// Error is the failure returned by Orchestrator.Run.
type Error struct {
	Kind Kind
	Step pipeline.Step
	Err  error
	// Hint is a single remediation sentence, possibly empty.
	Hint string
	// Details lists every validation problem, or the captured output of
	// each build attempt.
	Details []string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or "" when err is not a deployment error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func buildHint(output string, err error, pm string) string {
	text := output
	if err != nil {
		text += "\n" + err.Error()
	}
	switch {
	case strings.Contains(text, "Missing script"):
		return `Your package.json is missing a "build" script. Add one to the scripts section.`
	case strings.Contains(text, "Module not found"), strings.Contains(text, "Cannot find module"):
		return fmt.Sprintf("Some dependencies are missing. Try running: %s install", pm)
	case strings.Contains(text, "Permission denied"), strings.Contains(text, "EACCES"), errors.Is(err, os.ErrPermission):
		return "Permission denied. Check file ownership in the project directory."
	case strings.Contains(text, "ENOENT"), strings.Contains(text, "executable file not found"),
		strings.Contains(text, "command not found"), errors.Is(err, syscall.ENOENT):
		return "Command not found. Make sure all required tools are installed."
	default:
		return "Fix the build errors above and try building locally first."
	}
}

// uploadFailure turns a client error into a deployment Error with a
// remediation hint.
func uploadFailure(err error) *Error {
	out := &Error{Kind: KindUpload, Step: pipeline.Upload, Err: err}
	switch kind := client.Classify(err); {
	case kind == client.KindSecurity:
		out.Kind = KindSecurity
		out.Hint = "The connection failed security checks. Check for proxies or software intercepting TLS traffic."
	case kind == client.KindAuth:
		out.Kind = KindAuthentication
		out.Hint = "Authentication expired. Try running: forge login"
	case kind == client.KindTooLarge:
		out.Hint = "Project bundle is too large."
		out.Details = []string{
			"Remove node_modules from your project",
			"Check your .gitignore includes build artifacts",
			"Optimize your build output size",
		}
	case kind == client.KindRateLimited:
		out.Hint = "Rate limit exceeded. Please wait a few minutes and try again."
	case kind == client.KindServer:
		out.Hint = "Server error. Please try again in a few minutes."
	case kind == client.KindResponse:
		out.Hint = "The deployment server returned an unexpected response. Please try again."
	case kind == client.KindNetwork:
		out.Hint = networkHint(err)
	}
	return out
}

func networkHint(err error) string {
	text := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(text, "timeout"):
		return "Upload timed out. Your project might be too large or your connection is slow."
	case errors.Is(err, syscall.ECONNRESET), strings.Contains(text, "connection reset"):
		return "Upload failed due to network issues. Please check your internet connection and try again."
	default:
		return "Cannot reach deployment server. Check your internet connection and try again."
	}
}
