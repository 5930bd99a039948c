package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"stackctl/internal/descriptor"
	"stackctl/internal/runner"
	"stackctl/pkg/logging"
)

// resourcePool owns the deployment's volumes and networks. Managed
// resources are created on first use and reference-counted by the
// descriptors that mount them; external ones are only existence-checked
// and never created or destroyed.
//
// It implements supervisor.ResourceBinder.
type resourcePool struct {
	deployment *descriptor.Deployment
	backend    runner.ResourceManager

	mu      sync.Mutex
	volRefs map[string]int // managed volumes: descriptors still referencing them
	netRefs map[string]int
}

func newResourcePool(dep *descriptor.Deployment, backend runner.ResourceManager) *resourcePool {
	p := &resourcePool{
		deployment: dep,
		backend:    backend,
		volRefs:    make(map[string]int),
		netRefs:    make(map[string]int),
	}
	for _, svc := range dep.ServicesInOrder() {
		for _, m := range svc.Mounts {
			if spec := dep.Volumes[m.Volume]; spec != nil && !spec.External {
				p.volRefs[m.Volume]++
			}
		}
		for _, n := range svc.Networks {
			if spec := dep.Networks[n]; spec != nil && !spec.External {
				p.netRefs[n]++
			}
		}
	}
	return p
}

// Bind provisions everything the service mounts and returns the
// runner-level bindings. A missing external resource is a fatal
// ValidationError: the supervisor fails fast without launching.
func (p *resourcePool) Bind(ctx context.Context, svc *descriptor.ServiceDescriptor) ([]runner.Mount, []string, error) {
	mounts := make([]runner.Mount, 0, len(svc.Mounts))
	for _, m := range svc.Mounts {
		spec := p.deployment.Volumes[m.Volume]
		if spec == nil {
			return nil, nil, &descriptor.ValidationError{Problems: []descriptor.Problem{{
				Subject: svc.Name, Field: "volumes",
				Message: fmt.Sprintf("volume %q is not declared", m.Volume),
			}}}
		}

		if spec.External {
			exists, err := p.backend.VolumeExists(ctx, m.Volume)
			if err != nil {
				return nil, nil, fmt.Errorf("check external volume %q: %w", m.Volume, err)
			}
			if !exists {
				return nil, nil, &descriptor.ValidationError{Problems: []descriptor.Problem{{
					Subject: svc.Name, Field: "volumes",
					Message: fmt.Sprintf("external volume %q does not exist", m.Volume),
				}}}
			}
		} else if err := p.backend.EnsureVolume(ctx, m.Volume); err != nil {
			return nil, nil, fmt.Errorf("provision volume %q: %w", m.Volume, err)
		}

		mounts = append(mounts, runner.Mount{Name: m.Volume, Path: m.Path, ReadOnly: m.ReadOnly})
	}

	for _, n := range svc.Networks {
		spec := p.deployment.Networks[n]
		if spec == nil {
			return nil, nil, &descriptor.ValidationError{Problems: []descriptor.Problem{{
				Subject: svc.Name, Field: "networks",
				Message: fmt.Sprintf("network %q is not declared", n),
			}}}
		}

		if spec.External {
			exists, err := p.backend.NetworkExists(ctx, n)
			if err != nil {
				return nil, nil, fmt.Errorf("check external network %q: %w", n, err)
			}
			if !exists {
				return nil, nil, &descriptor.ValidationError{Problems: []descriptor.Problem{{
					Subject: svc.Name, Field: "networks",
					Message: fmt.Sprintf("external network %q does not exist", n),
				}}}
			}
		} else if err := p.backend.EnsureNetwork(ctx, n); err != nil {
			return nil, nil, fmt.Errorf("provision network %q: %w", n, err)
		}
	}

	return mounts, svc.Networks, nil
}

// release drops the service's references during teardown and destroys
// managed resources nothing references anymore.
func (p *resourcePool) release(ctx context.Context, svc *descriptor.ServiceDescriptor) error {
	if svc == nil {
		return nil
	}

	var firstErr error
	for _, m := range svc.Mounts {
		if spec := p.deployment.Volumes[m.Volume]; spec == nil || spec.External {
			continue
		}
		if p.drop(p.volRefs, m.Volume) {
			logging.Debug(subsystem, "Removing managed volume %s", m.Volume)
			if err := p.backend.RemoveVolume(ctx, m.Volume); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, n := range svc.Networks {
		if spec := p.deployment.Networks[n]; spec == nil || spec.External {
			continue
		}
		if p.drop(p.netRefs, n) {
			logging.Debug(subsystem, "Removing managed network %s", n)
			if err := p.backend.RemoveNetwork(ctx, n); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// drop decrements the reference count for name and reports whether it
// reached zero.
func (p *resourcePool) drop(refs map[string]int, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if refs[name] == 0 {
		return false
	}
	refs[name]--
	return refs[name] == 0
}
