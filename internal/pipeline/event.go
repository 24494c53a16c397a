package pipeline

import "time"

// Kind discriminates events.
type Kind int

const (
	StepStarted Kind = iota
	StepCompleted
	StepFailed
	Log
	Output
	Retrying
	BundleReady
	Summary
	Finished
)

func (k Kind) String() string {
	switch k {
	case StepStarted:
		return "step_started"
	case StepCompleted:
		return "step_completed"
	case StepFailed:
		return "step_failed"
	case Log:
		return "log"
	case Output:
		return "output"
	case Retrying:
		return "retrying"
	case BundleReady:
		return "bundle_ready"
	case Summary:
		return "summary"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Level grades Log events.
type Level int

const (
	Debug Level = iota
	Info
	Success
	Warn
	Error
)

// Field is one key/value line of a Summary.
type Field struct {
	Key   string
	Value string
}

// Event is a single pipeline notification. Which fields are set depends on
// Kind.
type Event struct {
	Kind    Kind
	Step    Step
	Index   int // 1-based position of Step, 0 when not attributed
	Total   int
	Level   Level
	Message string
	Err     error
	At      time.Time
	// Elapsed is the step duration for completed or failed steps, the wait
	// before the next attempt for Retrying, and the run duration for Finished.
	Elapsed time.Duration

	Operation   string
	Attempt     int
	MaxAttempts int

	Bytes int64
	Files int

	Fields []Field
}

// Observer receives pipeline events synchronously, in order.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
