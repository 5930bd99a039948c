package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stackctl/internal/descriptor"
	"stackctl/internal/runner"
)

// fakeRunner is a mock process backend. Each launch consumes the next
// queued exit status; a launch with no queued status stays "running"
// until Stop is called, which simulates a clean termination.
type fakeRunner struct {
	mu        sync.Mutex
	starts    int
	exits     []runner.ExitStatus
	waitChans map[string]chan runner.ExitStatus
}

func newFakeRunner(exits ...runner.ExitStatus) *fakeRunner {
	return &fakeRunner{
		exits:     exits,
		waitChans: make(map[string]chan runner.ExitStatus),
	}
}

func (f *fakeRunner) Start(ctx context.Context, spec runner.StartSpec) (runner.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return runner.Handle{ID: fmt.Sprintf("proc-%d", f.starts), Service: spec.Service}, nil
}

func (f *fakeRunner) Stop(ctx context.Context, h runner.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.waitChans[h.ID]; ok {
		select {
		case ch <- runner.ExitStatus{Code: 0}:
		default:
		}
	}
	return nil
}

func (f *fakeRunner) Wait(h runner.Handle) <-chan runner.ExitStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan runner.ExitStatus, 1)
	if len(f.exits) > 0 {
		ch <- f.exits[0]
		f.exits = f.exits[1:]
	}
	f.waitChans[h.ID] = ch
	return ch
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// fakeBinder is a mock ResourceBinder.
type fakeBinder struct {
	err   error
	binds int
	mu    sync.Mutex
}

func (b *fakeBinder) Bind(ctx context.Context, svc *descriptor.ServiceDescriptor) ([]runner.Mount, []string, error) {
	b.mu.Lock()
	b.binds++
	b.mu.Unlock()
	if b.err != nil {
		return nil, nil, b.err
	}
	return nil, svc.Networks, nil
}

// fakeProber delegates to a per-call hook so tests can script probe
// outcomes.
type fakeProber struct {
	mu        sync.Mutex
	calls     int
	probeFunc func(call int) error
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	fn := p.probeFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

// eventRecorder collects state-change events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) reached(st State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.To == st {
			return true
		}
	}
	return false
}
