package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stackctl/internal/dependency"
	"stackctl/internal/descriptor"
	"stackctl/internal/probe"
	"stackctl/internal/runner"
	"stackctl/internal/supervisor"
	"stackctl/pkg/logging"
)

const subsystem = "Orchestrator"

// Options configures an Orchestrator.
type Options struct {
	// ID overrides the generated deployment identifier, so a caller can
	// label backend resources with it before constructing the
	// orchestrator.
	ID string

	Runner      runner.Runner
	Resources   runner.ResourceManager
	Backoff     supervisor.Backoff
	MaxRestarts int
	StopGrace   time.Duration
}

// DeploymentHandle identifies one running deployment. Fatal delivers at
// most one deployment-level fatal error: a permanently failed service
// that a live dependent can never stop waiting for.
type DeploymentHandle struct {
	ID    string
	fatal chan error
}

// Fatal returns the channel carrying the deployment-level fatal
// condition, if one ever occurs.
func (h *DeploymentHandle) Fatal() <-chan error {
	return h.fatal
}

// Orchestrator coordinates the supervisors of one deployment.
type Orchestrator struct {
	deployment *descriptor.Deployment
	graph      *dependency.Graph
	batches    [][]string
	opts       Options
	id         string

	// launchCtx gates the batch launcher; cancelling it stops further
	// batches without touching already-running services
	launchCtx    context.Context
	launchCancel context.CancelFunc

	mu          sync.Mutex
	supervisors map[string]*supervisor.Supervisor
	cancels     map[string]context.CancelFunc
	resources   *resourcePool
	handle      *DeploymentHandle
	subscribers []chan ServiceStateChangedEvent
	started     bool
}

// New validates the deployment and resolves its launch order. A bad
// declaration returns the full *descriptor.ValidationError before
// anything is created; a *dependency.CycleError here means the
// validator and resolver disagree and is equally fatal.
func New(dep *descriptor.Deployment, opts Options) (*Orchestrator, error) {
	if err := descriptor.Validate(dep); err != nil {
		return nil, err
	}

	graph := dependency.New(dep)
	batches, err := graph.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolver disagrees with validator: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}

	launchCtx, launchCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deployment:   dep,
		graph:        graph,
		batches:      batches,
		opts:         opts,
		id:           id,
		launchCtx:    launchCtx,
		launchCancel: launchCancel,
		supervisors:  make(map[string]*supervisor.Supervisor),
		cancels:      make(map[string]context.CancelFunc),
	}, nil
}

// ID returns the deployment identifier.
func (o *Orchestrator) ID() string { return o.id }

// Batches returns the resolved launch batches.
func (o *Orchestrator) Batches() [][]string {
	out := make([][]string, len(o.batches))
	for i, b := range o.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// Up creates one supervisor per service and starts launching batches in
// order. It returns as soon as the launch sequence is underway; progress
// and failures are observed through Status, subscriptions, and the
// handle.
func (o *Orchestrator) Up(ctx context.Context) (*DeploymentHandle, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil, errors.New("deployment already started")
	}
	o.started = true
	o.handle = &DeploymentHandle{ID: o.id, fatal: make(chan error, 1)}
	o.resources = newResourcePool(o.deployment, o.opts.Resources)
	o.mu.Unlock()

	// supervisors are created dependencies-first so gate targets exist
	for _, name := range dependency.Flatten(o.batches) {
		sup, err := o.newSupervisor(name)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.supervisors[name] = sup
		o.mu.Unlock()
	}
	servicesPending.Set(float64(o.graph.Len()))

	logging.Info(subsystem, "Deployment %s: starting %d services in %d batches",
		o.id, o.graph.Len(), len(o.batches))
	go o.launch()

	return o.handle, nil
}

func (o *Orchestrator) newSupervisor(name string) (*supervisor.Supervisor, error) {
	svc := o.deployment.Service(name)

	var prober probe.Prober
	if svc.HealthCheck != nil {
		p, err := probe.ForSpec(svc.HealthCheck)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		prober = p
	}

	var gates []supervisor.Gate
	for _, edge := range o.graph.Dependencies(name) {
		o.mu.Lock()
		target := o.supervisors[edge.To]
		o.mu.Unlock()
		gates = append(gates, supervisor.Gate{Target: target, Kind: edge.Gate})
	}

	return supervisor.New(supervisor.Options{
		Descriptor:  svc,
		Runner:      o.opts.Runner,
		Prober:      prober,
		Deps:        gates,
		Resources:   o.resources,
		Backoff:     o.opts.Backoff,
		MaxRestarts: o.opts.MaxRestarts,
		StopGrace:   o.opts.StopGrace,
		Labels:      map[string]string{"stackctl.deployment": o.id},
		OnEvent:     o.handleEvent,
	}), nil
}

// launch starts batches strictly in order. A later batch's supervisors
// begin only after every member of the previous batch has been observed
// entering Starting (or has terminally failed).
func (o *Orchestrator) launch() {
	for i, batch := range o.batches {
		logging.Info(subsystem, "Deployment %s: launching batch %d: %v", o.id, i+1, batch)

		select {
		case <-o.launchCtx.Done():
			return
		default:
		}

		for _, name := range batch {
			svcCtx, cancel := context.WithCancel(context.Background())
			o.mu.Lock()
			o.cancels[name] = cancel
			sup := o.supervisors[name]
			o.mu.Unlock()
			go sup.Run(svcCtx)
		}

		for _, name := range batch {
			o.mu.Lock()
			sup := o.supervisors[name]
			o.mu.Unlock()
			if err := sup.AwaitGate(o.launchCtx, descriptor.GateStarted); err != nil {
				if errors.Is(err, supervisor.ErrGateUnsatisfiable) {
					o.reportFatal(fmt.Errorf("service %q can never start: %w", name, err))
				}
				return
			}
		}
	}
	logging.Info(subsystem, "Deployment %s: all batches launched", o.id)
}

// Status returns a snapshot of every service in declaration order.
func (o *Orchestrator) Status() []supervisor.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]supervisor.Snapshot, 0, len(o.deployment.ServiceOrder))
	for _, name := range o.deployment.ServiceOrder {
		if sup, ok := o.supervisors[name]; ok {
			out = append(out, sup.Snapshot())
		} else {
			out = append(out, supervisor.Snapshot{Service: name, State: supervisor.StatePending})
		}
	}
	return out
}

// Down stops every service in strict reverse dependency order, waiting
// for each to finish within ctx, then destroys managed resources whose
// reference count reached zero.
func (o *Orchestrator) Down(ctx context.Context) error {
	logging.Info(subsystem, "Deployment %s: shutting down", o.id)
	o.launchCancel()

	order := dependency.Flatten(o.batches)
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		o.mu.Lock()
		sup := o.supervisors[name]
		cancel := o.cancels[name]
		o.mu.Unlock()
		if sup == nil {
			continue
		}
		if cancel != nil {
			cancel()
		}

		// a supervisor that was never launched has no Run goroutine to
		// wait for
		if cancel != nil {
			select {
			case <-sup.Done():
			case <-ctx.Done():
				return fmt.Errorf("shutdown of service %q: %w", name, ctx.Err())
			}
		}

		if err := o.resources.release(ctx, o.deployment.Service(name)); err != nil {
			logging.Error(subsystem, err, "Failed to release resources of service %s", name)
		}
	}

	logging.Info(subsystem, "Deployment %s: shutdown complete", o.id)
	return nil
}

// handleEvent fans a supervisor state change out to metrics and
// subscribers and escalates unsatisfiable-gate conditions.
func (o *Orchestrator) handleEvent(e supervisor.Event) {
	recordTransition(e)
	o.broadcast(ServiceStateChangedEvent{
		DeploymentID: o.id,
		Service:      e.Service,
		From:         e.From,
		To:           e.To,
		Err:          e.Err,
		Timestamp:    e.Timestamp,
	})

	if e.To != supervisor.StateFailed {
		return
	}
	if errors.Is(e.Err, supervisor.ErrGateUnsatisfiable) {
		o.reportFatal(fmt.Errorf("service %q: %w", e.Service, e.Err))
		return
	}
	o.escalateIfGated(e.Service)
}

// escalateIfGated raises a deployment-level fatal condition when a
// permanently failed service still gates a live dependent through a
// healthy or completed edge: that dependent could otherwise wait
// forever.
func (o *Orchestrator) escalateIfGated(failed string) {
	o.mu.Lock()
	failedSup := o.supervisors[failed]
	o.mu.Unlock()
	if failedSup == nil || !failedSup.Terminal() {
		return
	}

	for _, depName := range o.graph.Dependents(failed) {
		o.mu.Lock()
		depSup := o.supervisors[depName]
		o.mu.Unlock()
		if depSup == nil || depSup.Terminal() {
			continue
		}
		for _, edge := range o.graph.Dependencies(depName) {
			if edge.To != failed {
				continue
			}
			if edge.Gate == descriptor.GateHealthy || edge.Gate == descriptor.GateCompleted {
				o.reportFatal(fmt.Errorf(
					"service %q failed permanently while %q still waits on its %s gate",
					failed, depName, edge.Gate))
				return
			}
		}
	}
}

func (o *Orchestrator) reportFatal(err error) {
	o.mu.Lock()
	h := o.handle
	o.mu.Unlock()
	if h == nil {
		return
	}
	logging.Error(subsystem, err, "Deployment %s: fatal condition", o.id)
	select {
	case h.fatal <- err:
	default:
	}
}
