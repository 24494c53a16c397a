// Package pipeline tracks the ordered steps of a deployment and publishes
// every transition as an Event. It holds no presentation logic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Step names one stage of a deployment.
type Step string

const (
	Authenticate Step = "authenticate"
	Prepare      Step = "prepare"
	Build        Step = "build"
	Bundle       Step = "bundle"
	Upload       Step = "upload"
	Process      Step = "process"
)

// Title is the human label for the step.
func (s Step) Title() string {
	switch s {
	case Authenticate:
		return "Authenticating"
	case Prepare:
		return "Preparing deployment"
	case Build:
		return "Building project"
	case Bundle:
		return "Bundling files"
	case Upload:
		return "Uploading bundle"
	case Process:
		return "Processing deployment"
	default:
		return string(s)
	}
}

// State is the lifecycle position of a step.
type State int

const (
	Pending State = iota
	Active
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrOutOfOrder is returned when a step is started before its
	// predecessors completed, or after the pipeline halted.
	ErrOutOfOrder = errors.New("pipeline step out of order")
	// ErrUnknownStep is returned for steps that are not part of the run.
	ErrUnknownStep = errors.New("pipeline step not in this run")
	// ErrNotActive is returned when completing or failing a step that is not
	// running.
	ErrNotActive = errors.New("pipeline step not active")
)

// Pipeline is a strictly ordered state machine over Steps.
type Pipeline struct {
	steps     []Step
	states    map[Step]State
	started   map[Step]time.Time
	begun     time.Time
	observers []Observer
	now       func() time.Time
	halted    bool
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithObserver subscribes o to every event.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithClock overrides the time source used for step durations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a pipeline over the standard deployment steps. Build is left
// out when skipBuild is set.
func New(skipBuild bool, opts ...Option) *Pipeline {
	steps := []Step{Authenticate, Prepare, Build, Bundle, Upload, Process}
	if skipBuild {
		steps = []Step{Authenticate, Prepare, Bundle, Upload, Process}
	}
	p := &Pipeline{
		steps:   steps,
		states:  make(map[Step]State, len(steps)),
		started: make(map[Step]time.Time, len(steps)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range steps {
		p.states[s] = Pending
	}
	p.begun = p.now()
	return p
}

// Steps returns the steps of this run in order.
func (p *Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// State reports the state of s. Steps outside the run report Pending.
func (p *Pipeline) State(s Step) State { return p.states[s] }

// Current returns the active step, if any.
func (p *Pipeline) Current() (Step, bool) {
	for _, s := range p.steps {
		if p.states[s] == Active {
			return s, true
		}
	}
	return "", false
}

func (p *Pipeline) index(s Step) int {
	for i, candidate := range p.steps {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Start activates s. Every earlier step must be completed and nothing may be
// active or failed.
func (p *Pipeline) Start(s Step) error {
	idx := p.index(s)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStep, s)
	}
	if p.halted || p.states[s] != Pending {
		return fmt.Errorf("%w: %s is %s", ErrOutOfOrder, s, p.states[s])
	}
	for _, prev := range p.steps[:idx] {
		if p.states[prev] != Completed {
			return fmt.Errorf("%w: %s before %s completed", ErrOutOfOrder, s, prev)
		}
	}
	p.states[s] = Active
	p.started[s] = p.now()
	p.emit(Event{Kind: StepStarted, Step: s, Message: s.Title()})
	return nil
}

// Complete marks the active step s as completed. message is optional.
func (p *Pipeline) Complete(s Step, message string) error {
	if p.states[s] != Active {
		return fmt.Errorf("%w: %s", ErrNotActive, s)
	}
	p.states[s] = Completed
	p.emit(Event{Kind: StepCompleted, Step: s, Message: message, Elapsed: p.now().Sub(p.started[s])})
	return nil
}

// Fail marks the active step s as failed and halts the pipeline. Later
// steps stay pending.
func (p *Pipeline) Fail(s Step, cause error) error {
	if p.states[s] != Active {
		return fmt.Errorf("%w: %s", ErrNotActive, s)
	}
	p.states[s] = Failed
	p.halted = true
	p.emit(Event{Kind: StepFailed, Step: s, Err: cause, Elapsed: p.now().Sub(p.started[s])})
	return nil
}

// Run starts s, runs fn and completes or fails s with its result.
func (p *Pipeline) Run(ctx context.Context, s Step, fn func(context.Context) (string, error)) error {
	if err := p.Start(s); err != nil {
		return err
	}
	message, err := fn(ctx)
	if err != nil {
		_ = p.Fail(s, err)
		return err
	}
	return p.Complete(s, message)
}

// Log publishes a message attributed to the active step.
func (p *Pipeline) Log(level Level, format string, args ...any) {
	step, _ := p.Current()
	p.emit(Event{Kind: Log, Step: step, Level: level, Message: fmt.Sprintf(format, args...)})
}

// Output publishes raw command output attributed to the active step.
func (p *Pipeline) Output(line string) {
	step, _ := p.Current()
	p.emit(Event{Kind: Output, Step: step, Level: Debug, Message: line})
}

// Retry publishes that operation failed on attempt and will run again after
// wait.
func (p *Pipeline) Retry(operation string, attempt, maxAttempts int, cause error, wait time.Duration) {
	step, _ := p.Current()
	p.emit(Event{
		Kind:        Retrying,
		Step:        step,
		Operation:   operation,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Err:         cause,
		Elapsed:     wait,
	})
}

// Bundled publishes the size of the archive that will be uploaded.
func (p *Pipeline) Bundled(bytes int64, files int) {
	step, _ := p.Current()
	p.emit(Event{Kind: BundleReady, Step: step, Bytes: bytes, Files: files})
}

// Summarize publishes a titled list of key/value pairs.
func (p *Pipeline) Summarize(title string, fields ...Field) {
	p.emit(Event{Kind: Summary, Message: title, Fields: fields})
}

// Finish publishes the terminal event. err is nil on success.
func (p *Pipeline) Finish(err error) {
	p.emit(Event{Kind: Finished, Err: err, Elapsed: p.now().Sub(p.begun)})
}

func (p *Pipeline) emit(ev Event) {
	if ev.Step != "" {
		ev.Index = p.index(ev.Step) + 1
	}
	ev.Total = len(p.steps)
	ev.At = p.now()
	for _, o := range p.observers {
		o.Observe(ev)
	}
}
