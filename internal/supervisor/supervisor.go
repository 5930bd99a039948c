package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stackctl/internal/descriptor"
	"stackctl/internal/probe"
	"stackctl/internal/runner"
	"stackctl/pkg/logging"
)

const subsystem = "Supervisor"

// State is the lifecycle state of a supervised service.
type State string

const (
	StatePending       State = "Pending"
	StateWaitingOnDeps State = "WaitingOnDeps"
	StateStarting      State = "Starting"
	StateProbing       State = "Probing"
	StateReady         State = "Ready"
	StateDegraded      State = "Degraded"
	StateStopping      State = "Stopping"
	StateStopped       State = "Stopped"
	StateFailed        State = "Failed"
)

// ErrGateUnsatisfiable reports that a dependency gate can never hold
// again for the current run, e.g. the dependency failed permanently or
// a completed gate's service exited unsuccessfully.
var ErrGateUnsatisfiable = errors.New("dependency gate can never be satisfied")

// Event is one state transition, delivered to the orchestrator's
// subscribers. Err carries the cause for Degraded and Failed.
type Event struct {
	Service   string
	From      State
	To        State
	Err       error
	Timestamp time.Time
}

// Gate is one inbound dependency edge bound to the dependency's live
// supervisor.
type Gate struct {
	Target *Supervisor
	Kind   descriptor.GateKind
}

// ResourceBinder provisions the volumes and networks a service mounts
// and returns the runner-level bindings. Errors are treated as fatal
// declaration problems, never retried.
type ResourceBinder interface {
	Bind(ctx context.Context, svc *descriptor.ServiceDescriptor) ([]runner.Mount, []string, error)
}

// Snapshot is a read-only copy of a service's runtime state.
type Snapshot struct {
	Service       string
	State         State
	Restarts      int
	ProbeFailures int
	LastExit      *runner.ExitStatus
	LastErr       error
}

// Options configures one Supervisor.
type Options struct {
	Descriptor  *descriptor.ServiceDescriptor
	Runner      runner.Runner
	Prober      probe.Prober // nil when the service declares no health check
	Deps        []Gate
	Resources   ResourceBinder
	Backoff     Backoff
	MaxRestarts int // 0 means unlimited
	StopGrace   time.Duration
	Labels      map[string]string
	OnEvent     func(Event)
}

// Supervisor runs the state machine for one service. Create with New,
// drive with Run in its own goroutine, cancel the context to stop.
type Supervisor struct {
	desc        *descriptor.ServiceDescriptor
	runner      runner.Runner
	prober      probe.Prober
	deps        []Gate
	resources   ResourceBinder
	backoff     Backoff
	maxRestarts int
	stopGrace   time.Duration
	labels      map[string]string
	onEvent     func(Event)

	mu            sync.Mutex
	state         State
	startedOnce   bool
	completedOK   bool
	permanent     bool // no further transitions will occur
	restarts      int
	probeFailures int
	lastExit      *runner.ExitStatus
	lastErr       error
	changed       chan struct{}

	done chan struct{}
}

// New builds a Supervisor in the Pending state.
func New(opts Options) *Supervisor {
	return &Supervisor{
		desc:        opts.Descriptor,
		runner:      opts.Runner,
		prober:      opts.Prober,
		deps:        opts.Deps,
		resources:   opts.Resources,
		backoff:     opts.Backoff,
		maxRestarts: opts.MaxRestarts,
		stopGrace:   opts.StopGrace,
		labels:      opts.Labels,
		onEvent:     opts.OnEvent,
		state:       StatePending,
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Name returns the supervised service's name.
func (s *Supervisor) Name() string { return s.desc.Name }

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the current runtime state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Service:       s.desc.Name,
		State:         s.state,
		Restarts:      s.restarts,
		ProbeFailures: s.probeFailures,
		LastErr:       s.lastErr,
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		snap.LastExit = &exit
	}
	return snap
}

// Terminal reports whether the supervisor has reached a terminal state
// and will make no further transitions. A Failed state observed while
// Terminal is false is a pre-restart transient.
func (s *Supervisor) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permanent
}

// AwaitGate blocks until the given gate on this supervisor's service is
// satisfied, the gate becomes unsatisfiable (ErrGateUnsatisfiable), or
// ctx is cancelled.
func (s *Supervisor) AwaitGate(ctx context.Context, gate descriptor.GateKind) error {
	for {
		s.mu.Lock()
		satisfied, dead := s.gateStatusLocked(gate)
		ch := s.changed
		s.mu.Unlock()

		if satisfied {
			return nil
		}
		if dead {
			return fmt.Errorf("%s gate on service %q: %w", gate, s.desc.Name, ErrGateUnsatisfiable)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Supervisor) gateStatusLocked(gate descriptor.GateKind) (satisfied, dead bool) {
	switch gate {
	case descriptor.GateStarted:
		if s.startedOnce {
			return true, false
		}
	case descriptor.GateHealthy:
		if s.state == StateReady {
			return true, false
		}
	case descriptor.GateCompleted:
		if s.state == StateStopped && s.completedOK {
			return true, false
		}
	}
	return false, s.permanent
}

// Run executes the state machine until the service reaches a terminal
// state or ctx is cancelled. It must be called exactly once.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	s.setState(StateWaitingOnDeps, nil)
	if err := s.awaitDeps(ctx); err != nil {
		if errors.Is(err, ErrGateUnsatisfiable) {
			s.fail(err)
			return
		}
		// cancelled while waiting; nothing was launched
		s.stopIdle()
		return
	}

	for {
		s.setState(StateStarting, nil)

		mounts, networks, err := s.resources.Bind(ctx, s.desc)
		if err != nil {
			s.fail(err)
			return
		}

		handle, err := s.runner.Start(ctx, s.startSpec(mounts, networks))
		if err != nil {
			if ctx.Err() != nil {
				s.stopIdle()
				return
			}
			// launch failure evaluates the restart policy like a
			// non-zero exit
			if !s.scheduleRestart(ctx, 1, err) {
				return
			}
			continue
		}

		exit, stopped := s.monitor(ctx, handle)
		if stopped {
			return
		}
		s.recordExit(exit)

		if exit.Success() && !s.desc.Restart.AllowsRestart(0) {
			logging.Info(subsystem, "Service %s completed successfully", s.desc.Name)
			s.complete()
			return
		}

		code := exit.Code
		if exit.Err != nil {
			code = 1
		}
		if !s.scheduleRestart(ctx, code, exitError(s.desc.Name, exit)) {
			return
		}
	}
}

func (s *Supervisor) awaitDeps(ctx context.Context) error {
	for _, g := range s.deps {
		logging.Debug(subsystem, "Service %s waiting for %s gate on %s",
			s.desc.Name, g.Kind, g.Target.Name())
		if err := g.Target.AwaitGate(ctx, g.Kind); err != nil {
			return err
		}
	}
	return nil
}

// monitor watches a running process, driving Probing/Ready/Degraded
// until the process exits or ctx is cancelled. stopped reports that
// shutdown handled the process; otherwise the exit status is returned
// for restart-policy evaluation.
func (s *Supervisor) monitor(ctx context.Context, h runner.Handle) (runner.ExitStatus, bool) {
	exitC := s.runner.Wait(h)

	if s.prober == nil {
		s.setState(StateReady, nil)
		select {
		case <-ctx.Done():
			s.stopProcess(h, exitC)
			return runner.ExitStatus{}, true
		case exit := <-exitC:
			return exit, false
		}
	}

	s.setState(StateProbing, nil)

	var (
		startedAt   = time.Now()
		failures    = 0
		everHealthy = false
		interval    = s.desc.HealthCheck.Interval.Std()
		startPeriod = s.desc.HealthCheck.StartPeriod.Std()
		retries     = s.desc.HealthCheck.Retries
	)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopProcess(h, exitC)
			return runner.ExitStatus{}, true

		case exit := <-exitC:
			return exit, false

		case <-timer.C:
			if err := s.prober.Probe(ctx); err != nil {
				// failures inside the grace window are not counted
				if everHealthy || time.Since(startedAt) >= startPeriod {
					failures++
					s.setProbeFailures(failures)
					if failures >= retries && s.currentState() != StateDegraded {
						logging.Warn(subsystem, "Service %s degraded after %d consecutive probe failures: %v",
							s.desc.Name, failures, err)
						s.setState(StateDegraded, err)
					}
				}
			} else {
				failures = 0
				everHealthy = true
				s.setProbeFailures(0)
				if s.currentState() != StateReady {
					s.setState(StateReady, nil)
				}
			}
			timer.Reset(interval)
		}
	}
}

// scheduleRestart decides whether the service restarts after an exit
// with the given code, sleeps the backoff, and reports whether the run
// loop should relaunch.
func (s *Supervisor) scheduleRestart(ctx context.Context, code int, cause error) bool {
	if !s.desc.Restart.AllowsRestart(code) {
		s.fail(cause)
		return false
	}

	s.mu.Lock()
	attempts := s.restarts
	s.mu.Unlock()
	if s.maxRestarts > 0 && attempts >= s.maxRestarts {
		s.fail(fmt.Errorf("restart limit (%d) reached: %w", s.maxRestarts, cause))
		return false
	}

	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	delay := s.backoff.Delay(attempt)
	logging.Warn(subsystem, "Service %s exited, restart %d in %s: %v",
		s.desc.Name, attempt, delay, cause)
	s.setState(StateFailed, cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.stopIdle()
		return false
	case <-timer.C:
		return true
	}
}

// stopProcess performs the orderly shutdown of a live process.
func (s *Supervisor) stopProcess(h runner.Handle, exitC <-chan runner.ExitStatus) {
	s.setState(StateStopping, nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace+10*time.Second)
	defer cancel()
	if err := s.runner.Stop(stopCtx, h, s.stopGrace); err != nil {
		logging.Error(subsystem, err, "Failed to stop service %s", s.desc.Name)
	}

	select {
	case exit := <-exitC:
		s.recordExit(exit)
	case <-stopCtx.Done():
	}

	s.terminate(StateStopped, nil)
}

// stopIdle finishes a supervisor that holds no process.
func (s *Supervisor) stopIdle() {
	s.setState(StateStopping, nil)
	s.terminate(StateStopped, nil)
}

func (s *Supervisor) complete() {
	s.mu.Lock()
	s.completedOK = true
	s.mu.Unlock()
	s.terminate(StateStopped, nil)
}

func (s *Supervisor) fail(err error) {
	logging.Error(subsystem, err, "Service %s failed permanently", s.desc.Name)
	s.terminate(StateFailed, err)
}

// terminate moves to a terminal state and marks the supervisor
// permanent so gate waiters can give up.
func (s *Supervisor) terminate(st State, err error) {
	s.mu.Lock()
	s.permanent = true
	s.mu.Unlock()
	s.setState(st, err)
}

func (s *Supervisor) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setProbeFailures(n int) {
	s.mu.Lock()
	s.probeFailures = n
	s.mu.Unlock()
}

func (s *Supervisor) recordExit(exit runner.ExitStatus) {
	s.mu.Lock()
	e := exit
	s.lastExit = &e
	s.mu.Unlock()
}

func (s *Supervisor) setState(to State, err error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == StateStarting {
		s.startedOnce = true
	}
	if err != nil {
		s.lastErr = err
	}
	close(s.changed)
	s.changed = make(chan struct{})
	cb := s.onEvent
	s.mu.Unlock()

	logging.Debug(subsystem, "Service %s: %s -> %s", s.desc.Name, from, to)
	if cb != nil {
		cb(Event{Service: s.desc.Name, From: from, To: to, Err: err, Timestamp: time.Now()})
	}
}

func (s *Supervisor) startSpec(mounts []runner.Mount, networks []string) runner.StartSpec {
	return runner.StartSpec{
		Service:  s.desc.Name,
		Image:    s.desc.Image,
		Command:  s.desc.Command,
		Env:      s.desc.Env,
		Ports:    s.desc.Ports,
		Mounts:   mounts,
		Networks: networks,
		Labels:   s.labels,
	}
}

func exitError(service string, exit runner.ExitStatus) error {
	if exit.Err != nil {
		return fmt.Errorf("service %q: %w", service, exit.Err)
	}
	return fmt.Errorf("service %q exited with status %d", service, exit.Code)
}
