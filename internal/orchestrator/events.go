package orchestrator

import (
	"time"

	"stackctl/internal/supervisor"
)

// ServiceStateChangedEvent is broadcast to subscribers on every
// supervisor state transition.
type ServiceStateChangedEvent struct {
	DeploymentID string
	Service      string
	From         supervisor.State
	To           supervisor.State
	Err          error
	Timestamp    time.Time
}

// SubscribeToStateChanges returns a channel receiving every subsequent
// state transition. Slow subscribers drop events rather than blocking
// the supervisors.
func (o *Orchestrator) SubscribeToStateChanges() <-chan ServiceStateChangedEvent {
	ch := make(chan ServiceStateChangedEvent, 64)
	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) broadcast(e ServiceStateChangedEvent) {
	o.mu.Lock()
	subs := append([]chan ServiceStateChangedEvent(nil), o.subscribers...)
	o.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
