// Package descriptor holds the static declaration model of a deployment:
// service descriptors with typed dependency edges, health-check
// parameters, restart policies, and volume/network bindings.
//
// Declarations are parsed from YAML with Load/LoadFile and checked with
// Validate, which enumerates every violation in a single pass rather
// than stopping at the first. A Deployment that passed Validate is
// immutable for the rest of its life; the orchestrator never re-reads or
// re-interprets the declaration at runtime.
package descriptor
