// Package dependency computes launch ordering over the service
// dependency graph. Gate kinds do not influence the topological order;
// they only affect when a supervisor proceeds past waiting.
package dependency

import (
	"fmt"
	"strings"

	"stackctl/internal/descriptor"
)

// Edge is one dependency edge as seen from the dependent service.
type Edge struct {
	To   string
	Gate descriptor.GateKind
}

// Node is one service in the graph.
type Node struct {
	Name       string
	DependsOn  []Edge
	dependents []string
	inDegree   int
}

// Graph is the linked dependency graph of a validated deployment. It is
// immutable after New.
type Graph struct {
	nodes map[string]*Node
	order []string // declaration order, for stable tie-breaks
}

// CycleError reports that no valid order exists. It should be unreachable
// for declarations that passed descriptor.Validate; seeing one indicates
// a validator/resolver inconsistency and is fatal.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among services: %s", strings.Join(e.Members, ", "))
}

// New builds the graph from a deployment. The deployment is assumed to
// have passed validation: edges referencing unknown services are ignored.
func New(dep *descriptor.Deployment) *Graph {
	g := &Graph{
		nodes: make(map[string]*Node, len(dep.Services)),
		order: append([]string(nil), dep.ServiceOrder...),
	}

	for _, name := range dep.ServiceOrder {
		g.nodes[name] = &Node{Name: name}
	}
	for _, name := range dep.ServiceOrder {
		node := g.nodes[name]
		for _, ref := range dep.Services[name].DependsOn {
			target, ok := g.nodes[ref.Service]
			if !ok {
				continue
			}
			node.DependsOn = append(node.DependsOn, Edge{To: ref.Service, Gate: ref.Gate})
			target.dependents = append(target.dependents, name)
			node.inDegree++
		}
	}

	return g
}

// Get returns the node for name, or nil.
func (g *Graph) Get(name string) *Node {
	return g.nodes[name]
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependents returns the names of services that directly depend on name,
// in declaration order.
func (g *Graph) Dependents(name string) []string {
	node := g.nodes[name]
	if node == nil {
		return nil
	}
	return append([]string(nil), node.dependents...)
}

// Dependencies returns the outbound edges of name.
func (g *Graph) Dependencies(name string) []Edge {
	node := g.nodes[name]
	if node == nil {
		return nil
	}
	return append([]Edge(nil), node.DependsOn...)
}

// Resolve produces the launch batches: each batch is the maximal set of
// services whose dependencies are fully contained in earlier batches.
// Within a batch, services keep declaration order, so repeated runs over
// the same declaration produce identical batches. Kahn's algorithm,
// layered.
func (g *Graph) Resolve() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name, node := range g.nodes {
		inDegree[name] = node.inDegree
	}

	emitted := 0
	var batches [][]string

	for emitted < len(g.nodes) {
		var batch []string
		for _, name := range g.order {
			if deg, ok := inDegree[name]; ok && deg == 0 {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			var members []string
			for _, name := range g.order {
				if _, ok := inDegree[name]; ok {
					members = append(members, name)
				}
			}
			return nil, &CycleError{Members: members}
		}

		for _, name := range batch {
			delete(inDegree, name)
			for _, dependent := range g.nodes[name].dependents {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}

		emitted += len(batch)
		batches = append(batches, batch)
	}

	return batches, nil
}

// Flatten joins batches into a single order. The reverse of this order
// is the shutdown order.
func Flatten(batches [][]string) []string {
	var out []string
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}
