// Package progress renders pipeline events for a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/splax/forge/internal/pipeline"
)

// Reporter writes a step-indexed view of a deployment. It is safe for use
// from multiple goroutines.
type Reporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool

	accent  lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
	heading lipgloss.Style
}

type options struct {
	verbose bool
	color   *bool
}

// Option customises a Reporter.
type Option func(*options)

// WithVerbose shows debug messages and raw command output.
func WithVerbose(v bool) Option {
	return func(o *options) { o.verbose = v }
}

// WithColor forces colour on or off instead of detecting a terminal.
func WithColor(enabled bool) Option {
	return func(o *options) { o.color = &enabled }
}

// New returns a Reporter writing to w. Colour is used only when w is a
// terminal.
func New(w io.Writer, opts ...Option) *Reporter {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	color := isTerminal(w)
	if o.color != nil {
		color = *o.color
	}
	profile := termenv.Ascii
	if color {
		profile = termenv.ANSI256
	}
	renderer := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)

	return &Reporter{
		w:       w,
		verbose: o.verbose,
		accent:  renderer.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		success: renderer.NewStyle().Foreground(lipgloss.Color("42")),
		failure: renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warning: renderer.NewStyle().Foreground(lipgloss.Color("214")),
		dim:     renderer.NewStyle().Foreground(lipgloss.Color("245")),
		heading: renderer.NewStyle().Bold(true).Underline(true),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Observe implements pipeline.Observer.
func (r *Reporter) Observe(ev pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case pipeline.StepStarted:
		r.printf("%s %s...\n", r.accent.Render(fmt.Sprintf("[%d/%d]", ev.Index, ev.Total)), ev.Message)
	case pipeline.StepCompleted:
		label := ev.Message
		if label == "" {
			label = ev.Step.Title()
		}
		r.printf("  %s %s %s\n", r.success.Render("✓"), label, r.dim.Render(formatElapsed(ev.Elapsed)))
	case pipeline.StepFailed:
		r.printf("  %s %s failed: %v\n", r.failure.Render("✗"), ev.Step.Title(), ev.Err)
	case pipeline.Log:
		r.log(ev.Level, ev.Message)
	case pipeline.Output:
		if r.verbose {
			r.printf("    %s %s\n", r.dim.Render("│"), ev.Message)
		}
	case pipeline.Retrying:
		r.printf("  %s %s attempt %d/%d failed: %v; retrying in %s\n",
			r.warning.Render("!"), ev.Operation, ev.Attempt, ev.MaxAttempts, ev.Err, ev.Elapsed.Round(time.Millisecond))
	case pipeline.BundleReady:
		r.printf("    Bundle: %s, %s\n", pluralize(ev.Files, "file"), humanize.Bytes(uint64(max(ev.Bytes, 0))))
	case pipeline.Summary:
		r.summary(ev.Message, ev.Fields)
	case pipeline.Finished:
		if ev.Err != nil {
			r.printf("\n%s Deployment failed after %s\n", r.failure.Render("✗"), formatDuration(ev.Elapsed))
			return
		}
		r.printf("\n%s Done in %s\n", r.success.Render("✓"), formatDuration(ev.Elapsed))
	}
}

func (r *Reporter) log(level pipeline.Level, message string) {
	switch level {
	case pipeline.Debug:
		if r.verbose {
			r.printf("    %s\n", r.dim.Render(message))
		}
	case pipeline.Success:
		r.printf("  %s %s\n", r.success.Render("✓"), message)
	case pipeline.Warn:
		r.printf("  %s %s\n", r.warning.Render("!"), r.warning.Render(message))
	case pipeline.Error:
		r.printf("  %s %s\n", r.failure.Render("✗"), message)
	default:
		r.printf("    %s\n", message)
	}
}

func (r *Reporter) summary(title string, fields []pipeline.Field) {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Key))
	}
	r.printf("\n%s\n", r.heading.Render(title))
	for _, f := range fields {
		key := f.Key + ":" + strings.Repeat(" ", width-len(f.Key))
		r.printf("  %s %s\n", r.dim.Render(key), f.Value)
	}
}

func (r *Reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.w, format, args...)
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return "(" + formatDuration(d) + ")"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
