package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recorder struct {
	events []Event
}

func (r *recorder) Observe(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []Kind {
	out := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func fixedClock(step time.Duration) func() time.Time {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

func TestStepsSkipBuild(t *testing.T) {
	full := New(false).Steps()
	if len(full) != 6 || full[2] != Build {
		t.Fatalf("unexpected steps %v", full)
	}
	skipped := New(true).Steps()
	for _, s := range skipped {
		if s == Build {
			t.Fatalf("build present when skipped: %v", skipped)
		}
	}
	if len(skipped) != 5 {
		t.Fatalf("unexpected steps %v", skipped)
	}
}

func TestStrictOrder(t *testing.T) {
	p := New(false)
	if err := p.Start(Prepare); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if err := p.Start(Authenticate); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(Prepare); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order while authenticate active, got %v", err)
	}
	if err := p.Complete(Authenticate, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := p.Complete(Authenticate, ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if err := p.Start(Prepare); err != nil {
		t.Fatalf("start prepare: %v", err)
	}
	if state := p.State(Authenticate); state != Completed {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestUnknownStep(t *testing.T) {
	p := New(true)
	_ = p.Start(Authenticate)
	_ = p.Complete(Authenticate, "")
	_ = p.Start(Prepare)
	_ = p.Complete(Prepare, "")
	if err := p.Start(Build); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected unknown step, got %v", err)
	}
}

func TestFailureHaltsAndLeavesLaterPending(t *testing.T) {
	rec := &recorder{}
	p := New(false, WithObserver(rec), WithClock(fixedClock(time.Second)))
	boom := errors.New("boom")
	ctx := context.Background()

	ok := func(context.Context) (string, error) { return "", nil }
	if err := p.Run(ctx, Authenticate, ok); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := p.Run(ctx, Prepare, ok); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	err := p.Run(ctx, Build, func(context.Context) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if p.State(Build) != Failed {
		t.Fatalf("expected build failed, got %s", p.State(Build))
	}
	for _, s := range []Step{Bundle, Upload, Process} {
		if p.State(s) != Pending {
			t.Fatalf("expected %s pending, got %s", s, p.State(s))
		}
	}
	if err := p.Start(Bundle); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected halted pipeline to refuse, got %v", err)
	}

	last := rec.events[len(rec.events)-1]
	if last.Kind != StepFailed || last.Step != Build || !errors.Is(last.Err, boom) {
		t.Fatalf("unexpected last event %+v", last)
	}
	if last.Index != 3 || last.Total != 6 {
		t.Fatalf("unexpected index %d/%d", last.Index, last.Total)
	}
	if last.Elapsed != time.Second {
		t.Fatalf("expected one second elapsed, got %s", last.Elapsed)
	}
}

func TestEventsAttributedToActiveStep(t *testing.T) {
	rec := &recorder{}
	p := New(true, WithObserver(rec))
	_ = p.Start(Authenticate)
	p.Log(Warn, "token expires in %d minutes", 5)
	p.Retry("upload", 1, 3, errors.New("reset"), time.Second)
	_ = p.Complete(Authenticate, "done")
	p.Summarize("Dry run", Field{Key: "Mode", Value: "create"})
	p.Finish(nil)

	want := []Kind{StepStarted, Log, Retrying, StepCompleted, Summary, Finished}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	logEv := rec.events[1]
	if logEv.Step != Authenticate || logEv.Message != "token expires in 5 minutes" || logEv.Level != Warn {
		t.Fatalf("unexpected log event %+v", logEv)
	}
	if rec.events[2].MaxAttempts != 3 || rec.events[2].Operation != "upload" {
		t.Fatalf("unexpected retry event %+v", rec.events[2])
	}
	if rec.events[4].Step != "" || rec.events[4].Index != 0 {
		t.Fatalf("summary should not be attributed to a step: %+v", rec.events[4])
	}
}
