package descriptor

import (
	"fmt"
	"sort"
	"strings"
)

// Problem is one validation violation, attributed to a service (or a
// volume/network) and field where possible.
type Problem struct {
	Subject string // service, volume, or network name; "" for document-level problems
	Field   string
	Message string
}

func (p Problem) String() string {
	switch {
	case p.Subject != "" && p.Field != "":
		return fmt.Sprintf("%s: %s: %s", p.Subject, p.Field, p.Message)
	case p.Subject != "":
		return fmt.Sprintf("%s: %s", p.Subject, p.Message)
	default:
		return p.Message
	}
}

// ValidationError carries every violation found in a declaration, so the
// deployment author gets complete feedback in one pass.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return fmt.Sprintf("invalid deployment declaration (%d problems): %s",
		len(e.Problems), strings.Join(msgs, "; "))
}

// validator accumulates problems while walking a deployment.
type validator struct {
	dep      *Deployment
	problems []Problem
}

func (v *validator) addf(subject, field, format string, args ...interface{}) {
	v.problems = append(v.problems, Problem{
		Subject: subject,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks a deployment declaration against every structural
// invariant: unique non-empty names, resolvable dependency edges, no
// cycles, gate/restart-policy compatibility, health-check parameter
// bounds, and volume/network references. It returns nil or a
// *ValidationError enumerating all violations found, never a partial
// report.
func Validate(dep *Deployment) error {
	v := &validator{dep: dep}

	v.checkNames()
	for _, name := range dep.ServiceOrder {
		sd := dep.Services[name]
		if sd == nil {
			continue
		}
		v.checkLaunchSpec(sd)
		v.checkEdges(sd)
		v.checkHealthCheck(sd)
		v.checkResources(sd)
	}
	v.checkCycles()

	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

func (v *validator) checkNames() {
	seen := make(map[string]bool)
	for _, name := range v.dep.ServiceOrder {
		if name == "" {
			v.addf("", "services", "service with empty name")
			continue
		}
		if seen[name] {
			v.addf(name, "", "duplicate service name")
		}
		seen[name] = true
	}
}

func (v *validator) checkLaunchSpec(sd *ServiceDescriptor) {
	if sd.Image == "" && len(sd.Command) == 0 {
		v.addf(sd.Name, "image", "service declares neither an image nor a command")
	}
	if !sd.Restart.Valid() {
		v.addf(sd.Name, "restart", "unknown restart policy %q", sd.Restart)
	}
}

func (v *validator) checkEdges(sd *ServiceDescriptor) {
	for _, ref := range sd.DependsOn {
		if !ref.Gate.Valid() {
			v.addf(sd.Name, "depends_on", "unknown gate kind %q on dependency %s", ref.Gate, ref.Service)
		}
		if ref.Service == sd.Name {
			v.addf(sd.Name, "depends_on", "service depends on itself")
			continue
		}
		target, ok := v.dep.Services[ref.Service]
		if !ok {
			v.addf(sd.Name, "depends_on", "depends on undeclared service %q", ref.Service)
			continue
		}
		// A completed gate can never stay satisfied if the dependency is
		// relaunched unconditionally.
		if ref.Gate == GateCompleted && target.Restart == RestartAlways {
			v.addf(sd.Name, "depends_on",
				"completed gate on %q conflicts with its restart policy %q", ref.Service, RestartAlways)
		}
	}
}

func (v *validator) checkHealthCheck(sd *ServiceDescriptor) {
	hc := sd.HealthCheck
	if hc == nil {
		return
	}

	actions := 0
	if len(hc.Command) > 0 {
		actions++
	}
	if hc.HTTP != "" {
		actions++
	}
	if hc.TCP != "" {
		actions++
	}
	if actions == 0 {
		v.addf(sd.Name, "healthcheck", "no probe action (one of command, http, tcp is required)")
	}
	if actions > 1 {
		v.addf(sd.Name, "healthcheck", "multiple probe actions (exactly one of command, http, tcp)")
	}

	if hc.Interval <= 0 {
		v.addf(sd.Name, "healthcheck.interval", "interval must be positive")
	}
	if hc.Timeout <= 0 {
		v.addf(sd.Name, "healthcheck.timeout", "timeout must be positive")
	}
	if hc.Interval > 0 && hc.Timeout >= hc.Interval {
		v.addf(sd.Name, "healthcheck.timeout", "timeout %s must be shorter than interval %s",
			hc.Timeout.Std(), hc.Interval.Std())
	}
	if hc.Retries < 1 {
		v.addf(sd.Name, "healthcheck.retries", "retries must be at least 1")
	}
	if hc.StartPeriod < 0 {
		v.addf(sd.Name, "healthcheck.start_period", "start_period must not be negative")
	}
}

func (v *validator) checkResources(sd *ServiceDescriptor) {
	for _, m := range sd.Mounts {
		if m.Volume == "" || m.Path == "" {
			v.addf(sd.Name, "volumes", "mount with empty volume or path")
			continue
		}
		if _, ok := v.dep.Volumes[m.Volume]; !ok {
			v.addf(sd.Name, "volumes", "mounts undeclared volume %q", m.Volume)
		}
	}
	for _, n := range sd.Networks {
		if _, ok := v.dep.Networks[n]; !ok {
			v.addf(sd.Name, "networks", "joins undeclared network %q", n)
		}
	}
}

// checkCycles runs a depth-first search over the dependency edges and
// reports every distinct cycle with all of its member services named.
func (v *validator) checkCycles() {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(v.dep.Services))
	var stack []string
	reported := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		state[name] = onStack
		stack = append(stack, name)

		sd := v.dep.Services[name]
		if sd != nil {
			for _, ref := range sd.DependsOn {
				if _, ok := v.dep.Services[ref.Service]; !ok || ref.Service == name {
					continue // reported by checkEdges
				}
				switch state[ref.Service] {
				case unvisited:
					visit(ref.Service)
				case onStack:
					cycle := extractCycle(stack, ref.Service)
					key := cycleKey(cycle)
					if !reported[key] {
						reported[key] = true
						v.addf("", "depends_on", "dependency cycle: %s", strings.Join(cycle, " -> "))
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
	}

	for _, name := range v.dep.ServiceOrder {
		if state[name] == unvisited {
			visit(name)
		}
	}
}

// extractCycle returns the slice of the DFS stack from the first
// occurrence of start, closing the loop back onto start.
func extractCycle(stack []string, start string) []string {
	for i, n := range stack {
		if n == start {
			cycle := make([]string, len(stack)-i, len(stack)-i+1)
			copy(cycle, stack[i:])
			return append(cycle, start)
		}
	}
	return []string{start, start}
}

// cycleKey builds an order-independent identity for a cycle so the same
// loop found from different entry points is reported once.
func cycleKey(cycle []string) string {
	members := append([]string(nil), cycle[:len(cycle)-1]...)
	sort.Strings(members)
	return strings.Join(members, "\x00")
}
