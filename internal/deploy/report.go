package deploy

import "fmt"

// Report collects readiness or verification findings. Errors abort the
// deployment; warnings are always shown; info is shown in verbose mode.
type Report struct {
	Errors   []string
	Warnings []string
	Info     []string
}

// OK reports whether no errors were recorded.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) infof(format string, args ...any) {
	r.Info = append(r.Info, fmt.Sprintf(format, args...))
}
