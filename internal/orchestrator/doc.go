// Package orchestrator is the top-level coordinator of a deployment. It
// validates the declaration, resolves launch batches, runs one
// supervisor per service, provisions shared volumes and networks, and
// implements ordered teardown.
//
// The programmatic contract is Up, Status, and Down. Ongoing failures
// never exit the orchestrator process; they surface through Status,
// state-change subscriptions, and the deployment handle's fatal
// channel.
package orchestrator
