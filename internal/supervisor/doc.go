// Package supervisor drives a single service through its lifecycle:
// waiting on dependency gates, starting the process, probing readiness,
// applying the restart policy on exit, and shutting down on request.
//
// Each Supervisor owns its service's runtime state exclusively. Other
// components read it through Snapshot or wait on it through AwaitGate;
// nothing outside the supervisor mutates it.
package supervisor
