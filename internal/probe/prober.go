// Package probe issues single readiness checks against services.
//
// A Prober is stateless per call: failure counting, retries, and the
// start-period grace window are the supervisor's responsibility, since
// they depend on a service's runtime history rather than on the probe
// mechanism.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"

	"stackctl/internal/descriptor"
	"stackctl/pkg/logging"
)

// Prober performs one readiness check. A nil return means healthy; any
// error means unhealthy. Each invocation is time-bounded by the spec's
// timeout; exceeding it counts as a failure, not a crash.
type Prober interface {
	Probe(ctx context.Context) error
}

// Error indicates the probe mechanism itself could not run (as opposed
// to the service answering unhealthy). Callers treat it exactly like a
// failed probe for retry and grace accounting.
type Error struct {
	Kind descriptor.ProbeKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s probe could not run: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ForSpec builds the prober matching the spec's probe action.
func ForSpec(spec *descriptor.HealthCheckSpec) (Prober, error) {
	switch spec.Kind() {
	case descriptor.ProbeCommand:
		return &CommandProber{spec: spec}, nil
	case descriptor.ProbeHTTP:
		return &HTTPProber{spec: spec}, nil
	case descriptor.ProbeTCP:
		return &TCPProber{spec: spec}, nil
	default:
		return nil, fmt.Errorf("health check spec has no probe action")
	}
}

// CommandProber runs a command and treats a zero exit status as healthy.
type CommandProber struct {
	spec *descriptor.HealthCheckSpec
}

func (p *CommandProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.spec.Timeout.Std())
	defer cancel()

	cmd := exec.CommandContext(ctx, p.spec.Command[0], p.spec.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("probe command timed out after %s", p.spec.Timeout.Std())
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("probe command failed: %s", firstLine(out))
		}
		// Binary missing, permission denied, and similar mechanism faults.
		return &Error{Kind: descriptor.ProbeCommand, Err: err}
	}
	return nil
}

// HTTPProber issues a GET and treats any status below 400 as healthy.
type HTTPProber struct {
	spec *descriptor.HealthCheckSpec
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.spec.Timeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.spec.HTTP, nil)
	if err != nil {
		return &Error{Kind: descriptor.ProbeHTTP, Err: err}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe request to %s failed: %w", p.spec.HTTP, err)
	}
	// Drain so the keep-alive connection is reused across interval
	// probes instead of dialing anew every tick.
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe endpoint %s returned status %d", p.spec.HTTP, resp.StatusCode)
	}

	logging.Debug("Probe", "HTTP probe %s healthy (status %d)", p.spec.HTTP, resp.StatusCode)
	return nil
}

// TCPProber dials the address and treats a successful connect as healthy.
type TCPProber struct {
	spec *descriptor.HealthCheckSpec
}

func (p *TCPProber) Probe(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: p.spec.Timeout.Std()}

	conn, err := dialer.DialContext(ctx, "tcp", p.spec.TCP)
	if err != nil {
		return fmt.Errorf("probe connect to %s failed: %w", p.spec.TCP, err)
	}
	defer conn.Close()

	logging.Debug("Probe", "TCP probe %s healthy", p.spec.TCP)
	return nil
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	if len(out) == 0 {
		return "exit status non-zero"
	}
	return string(out)
}
