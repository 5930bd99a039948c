package descriptor

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// GateKind is the condition a dependency edge places on the depended-on
// service before the dependent may proceed past waiting.
type GateKind string

const (
	// GateStarted is satisfied once the dependency's process exists.
	GateStarted GateKind = "started"
	// GateHealthy is satisfied once the dependency reports healthy.
	GateHealthy GateKind = "healthy"
	// GateCompleted is satisfied once the dependency has exited with
	// success and will not be restarted.
	GateCompleted GateKind = "completed"
)

// Valid reports whether the gate kind is one of the known values.
func (g GateKind) Valid() bool {
	switch g {
	case GateStarted, GateHealthy, GateCompleted:
		return true
	}
	return false
}

// RestartPolicy controls what the supervisor does when a service's
// process exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

// Valid reports whether the restart policy is one of the known values.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartAlways, RestartOnFailure:
		return true
	}
	return false
}

// AllowsRestart reports whether the policy permits a relaunch after the
// given exit code.
func (p RestartPolicy) AllowsRestart(exitCode int) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// Duration wraps time.Duration so declaration files can use the usual
// "10s" / "1m30s" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DependencyRef is one inbound dependency edge of a service: the name of
// the depended-on service and the gate that must hold before the
// dependent proceeds.
type DependencyRef struct {
	Service string
	Gate    GateKind
}

// ProbeKind discriminates the probe action of a HealthCheckSpec.
type ProbeKind string

const (
	ProbeCommand ProbeKind = "command"
	ProbeHTTP    ProbeKind = "http"
	ProbeTCP     ProbeKind = "tcp"
)

// HealthCheckSpec describes the readiness probe of a service. Exactly one
// of Command, HTTP, or TCP must be set.
type HealthCheckSpec struct {
	Command []string `yaml:"command,omitempty"` // command probe, argv form
	HTTP    string   `yaml:"http,omitempty"`    // HTTP GET probe, full URL
	TCP     string   `yaml:"tcp,omitempty"`     // TCP connect probe, host:port

	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod Duration `yaml:"start_period,omitempty"`
}

// Kind returns the probe action kind, or "" if none is configured.
func (h *HealthCheckSpec) Kind() ProbeKind {
	switch {
	case len(h.Command) > 0:
		return ProbeCommand
	case h.HTTP != "":
		return ProbeHTTP
	case h.TCP != "":
		return ProbeTCP
	default:
		return ""
	}
}

// Mount binds a declared volume into a service at a container path.
type Mount struct {
	Volume   string
	Path     string
	ReadOnly bool
}

// ServiceDescriptor is the static declaration of one service. It is
// constructed once at load time and immutable thereafter.
type ServiceDescriptor struct {
	Name    string            `yaml:"-"`
	Image   string            `yaml:"image,omitempty"`
	Command []string          `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"environment,omitempty"`
	Ports   []string          `yaml:"ports,omitempty"` // host:container publish specs

	DependsOn   []DependencyRef  `yaml:"-"`
	HealthCheck *HealthCheckSpec `yaml:"healthcheck,omitempty"`
	Restart     RestartPolicy    `yaml:"restart,omitempty"`

	Mounts   []Mount  `yaml:"-"`
	Networks []string `yaml:"networks,omitempty"`
}

// VolumeSpec declares a named volume. External volumes must pre-exist;
// managed volumes are created and destroyed by the orchestrator.
type VolumeSpec struct {
	Name     string `yaml:"-"`
	External bool   `yaml:"external,omitempty"`
}

// NetworkSpec declares a named network.
type NetworkSpec struct {
	Name     string `yaml:"-"`
	External bool   `yaml:"external,omitempty"`
}

// Deployment is the full declaration of a multi-service deployment: the
// set of services plus the volumes and networks they share. ServiceOrder
// preserves declaration order for reproducible scheduling tie-breaks.
type Deployment struct {
	Services map[string]*ServiceDescriptor
	Volumes  map[string]*VolumeSpec
	Networks map[string]*NetworkSpec

	ServiceOrder []string
}

// Service returns the descriptor for name, or nil.
func (d *Deployment) Service(name string) *ServiceDescriptor {
	return d.Services[name]
}

// ServicesInOrder returns descriptors in declaration order.
func (d *Deployment) ServicesInOrder() []*ServiceDescriptor {
	out := make([]*ServiceDescriptor, 0, len(d.ServiceOrder))
	for _, name := range d.ServiceOrder {
		out = append(out, d.Services[name])
	}
	return out
}
