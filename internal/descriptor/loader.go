package descriptor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// serviceDocument is the YAML wire form of a service entry. depends_on is
// kept as a raw node because it supports both a short sequence form
// (names only, started gate) and a mapping form with explicit gates.
type serviceDocument struct {
	Image       string            `yaml:"image,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	DependsOn   yaml.Node         `yaml:"depends_on,omitempty"`
	HealthCheck *HealthCheckSpec  `yaml:"healthcheck,omitempty"`
	Restart     RestartPolicy     `yaml:"restart,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
}

// Load parses a deployment declaration from YAML. Parsing is purely
// syntactic; call Validate before handing the result to the orchestrator.
func Load(data []byte) (*Deployment, error) {
	var doc struct {
		Services yaml.Node `yaml:"services"`
		Volumes  yaml.Node `yaml:"volumes"`
		Networks yaml.Node `yaml:"networks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment declaration: %w", err)
	}

	dep := &Deployment{
		Services: make(map[string]*ServiceDescriptor),
		Volumes:  make(map[string]*VolumeSpec),
		Networks: make(map[string]*NetworkSpec),
	}

	if err := decodeServices(&doc.Services, dep); err != nil {
		return nil, err
	}
	if err := decodeVolumes(&doc.Volumes, dep); err != nil {
		return nil, err
	}
	if err := decodeNetworks(&doc.Networks, dep); err != nil {
		return nil, err
	}

	return dep, nil
}

// LoadFile reads and parses a deployment declaration file.
func LoadFile(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declaration file %s: %w", path, err)
	}
	return Load(data)
}

// decodeServices walks the services mapping node pairwise so declaration
// order is preserved in dep.ServiceOrder.
func decodeServices(node *yaml.Node, dep *Deployment) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("services: expected a mapping, got %s", node.Tag)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		nameNode, bodyNode := node.Content[i], node.Content[i+1]
		name := nameNode.Value

		var svcDoc serviceDocument
		if err := bodyNode.Decode(&svcDoc); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}

		sd := &ServiceDescriptor{
			Name:        name,
			Image:       svcDoc.Image,
			Command:     svcDoc.Command,
			Env:         svcDoc.Environment,
			Ports:       svcDoc.Ports,
			HealthCheck: svcDoc.HealthCheck,
			Restart:     svcDoc.Restart,
			Networks:    svcDoc.Networks,
		}
		if sd.Restart == "" {
			sd.Restart = RestartNever
		}

		deps, err := decodeDependsOn(&svcDoc.DependsOn)
		if err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		sd.DependsOn = deps

		for _, raw := range svcDoc.Volumes {
			mount, err := parseMount(raw)
			if err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			sd.Mounts = append(sd.Mounts, mount)
		}

		dep.Services[name] = sd
		dep.ServiceOrder = append(dep.ServiceOrder, name)
	}

	return nil
}

// decodeDependsOn accepts either a sequence of service names (started
// gate) or a mapping of name to {gate: ...}. Mapping order is preserved.
func decodeDependsOn(node *yaml.Node) ([]DependencyRef, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return nil, fmt.Errorf("depends_on: %w", err)
		}
		refs := make([]DependencyRef, 0, len(names))
		for _, n := range names {
			refs = append(refs, DependencyRef{Service: n, Gate: GateStarted})
		}
		return refs, nil
	case yaml.MappingNode:
		var refs []DependencyRef
		for i := 0; i+1 < len(node.Content); i += 2 {
			nameNode, bodyNode := node.Content[i], node.Content[i+1]
			var body struct {
				Gate GateKind `yaml:"gate"`
			}
			if bodyNode.Tag != "!!null" {
				if err := bodyNode.Decode(&body); err != nil {
					return nil, fmt.Errorf("depends_on %s: %w", nameNode.Value, err)
				}
			}
			if body.Gate == "" {
				body.Gate = GateStarted
			}
			refs = append(refs, DependencyRef{Service: nameNode.Value, Gate: body.Gate})
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("depends_on: expected a sequence or mapping, got %s", node.Tag)
	}
}

func decodeVolumes(node *yaml.Node, dep *Deployment) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("volumes: expected a mapping, got %s", node.Tag)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		nameNode, bodyNode := node.Content[i], node.Content[i+1]
		spec := &VolumeSpec{Name: nameNode.Value}
		if bodyNode.Tag != "!!null" {
			if err := bodyNode.Decode(spec); err != nil {
				return fmt.Errorf("volume %s: %w", nameNode.Value, err)
			}
			spec.Name = nameNode.Value
		}
		dep.Volumes[nameNode.Value] = spec
	}
	return nil
}

func decodeNetworks(node *yaml.Node, dep *Deployment) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("networks: expected a mapping, got %s", node.Tag)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		nameNode, bodyNode := node.Content[i], node.Content[i+1]
		spec := &NetworkSpec{Name: nameNode.Value}
		if bodyNode.Tag != "!!null" {
			if err := bodyNode.Decode(spec); err != nil {
				return fmt.Errorf("network %s: %w", nameNode.Value, err)
			}
			spec.Name = nameNode.Value
		}
		dep.Networks[nameNode.Value] = spec
	}
	return nil
}

// parseMount parses a "volume:path" or "volume:path:ro" binding.
func parseMount(raw string) (Mount, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return Mount{Volume: parts[0], Path: parts[1]}, nil
	case 3:
		if parts[2] != "ro" {
			return Mount{}, fmt.Errorf("invalid mount option %q in %q (only \"ro\" is supported)", parts[2], raw)
		}
		return Mount{Volume: parts[0], Path: parts[1], ReadOnly: true}, nil
	default:
		return Mount{}, fmt.Errorf("invalid volume binding %q (want volume:path[:ro])", raw)
	}
}
