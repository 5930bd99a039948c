// Package runner abstracts the process backend the orchestrator drives.
// The core is agnostic to whether services run as OS processes or
// containers; the shipped implementation targets the Docker Engine API.
package runner

import (
	"context"
	"fmt"
	"time"
)

// Handle identifies one launched process at the backend. The ID is
// opaque to callers (a container ID for the docker backend).
type Handle struct {
	ID      string
	Service string
}

// ExitStatus is the terminal status of a launched process.
type ExitStatus struct {
	Code int
	Err  error // backend-level failure observing the exit, if any
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Err == nil && s.Code == 0
}

// Mount is a volume binding passed to Start. Name is the backend volume
// name after any deployment scoping.
type Mount struct {
	Name     string
	Path     string
	ReadOnly bool
}

// StartSpec is everything the backend needs to launch one service.
type StartSpec struct {
	Service  string
	Image    string
	Command  []string
	Env      map[string]string
	Ports    []string
	Mounts   []Mount
	Networks []string
	Labels   map[string]string
}

// Runner launches and terminates service processes. Wait delivers the
// exit status asynchronously; the channel receives exactly one value.
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	Wait(h Handle) <-chan ExitStatus
}

// ResourceManager provisions and destroys the volumes and networks
// services are bound to. Existence checks never create anything.
type ResourceManager interface {
	EnsureVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)
	RemoveVolume(ctx context.Context, name string) error

	EnsureNetwork(ctx context.Context, name string) error
	NetworkExists(ctx context.Context, name string) (bool, error)
	RemoveNetwork(ctx context.Context, name string) error
}

// ProcessError is a launch or stop failure at the runner level. The
// supervisor treats it like an unexpected exit when evaluating the
// restart policy.
type ProcessError struct {
	Op      string // "start" or "stop"
	Service string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
