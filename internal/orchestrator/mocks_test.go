package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stackctl/internal/runner"
)

// fakeRunner is a mock process backend recording launch and stop order.
// Tests deliver exits through the exit method; Stop simulates a clean
// termination of a running process.
type fakeRunner struct {
	mu        sync.Mutex
	starts    []string
	stops     []string
	waitChans map[string]chan runner.ExitStatus
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{waitChans: make(map[string]chan runner.ExitStatus)}
}

func (f *fakeRunner) Start(ctx context.Context, spec runner.StartSpec) (runner.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec.Service)
	id := fmt.Sprintf("%s-%d", spec.Service, len(f.starts))
	return runner.Handle{ID: id, Service: spec.Service}, nil
}

func (f *fakeRunner) Stop(ctx context.Context, h runner.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h.Service)
	if ch, ok := f.waitChans[h.Service]; ok {
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
	f.waitChans[h.Service] = ch
	return ch
}

// exit delivers a self-initiated process exit for service.
func (f *fakeRunner) exit(service string, status runner.ExitStatus) {
	f.mu.Lock()
	ch := f.waitChans[service]
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

func (f *fakeRunner) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

func (f *fakeRunner) stopOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// fakeResources is a mock ResourceManager tracking provisioning calls.
type fakeResources struct {
	mu          sync.Mutex
	volumes     map[string]bool
	networks    map[string]bool
	removedVols []string
	removedNets []string
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		volumes:  make(map[string]bool),
		networks: make(map[string]bool),
	}
}

func (f *fakeResources) EnsureVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeResources) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name], nil
}

func (f *fakeResources) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	f.removedVols = append(f.removedVols, name)
	return nil
}

func (f *fakeResources) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeResources) NetworkExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name], nil
}

func (f *fakeResources) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	f.removedNets = append(f.removedNets, name)
	return nil
}

func (f *fakeResources) removedVolumes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removedVols...)
}
