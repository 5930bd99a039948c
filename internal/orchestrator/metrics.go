package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stackctl/internal/supervisor"
)

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackctl_service_state_transitions_total",
		Help: "Lifecycle state transitions per service and target state",
	}, []string{"service", "to"})

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stackctl_service_restarts_total",
		Help: "Restart attempts per service",
	}, []string{"service"})

	servicesInState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stackctl_services_in_state",
		Help: "Number of services currently in each lifecycle state",
	}, []string{"state"})

	servicesPending = servicesInState.WithLabelValues(string(supervisor.StatePending))
)

func recordTransition(e supervisor.Event) {
	stateTransitions.WithLabelValues(e.Service, string(e.To)).Inc()
	servicesInState.WithLabelValues(string(e.From)).Dec()
	servicesInState.WithLabelValues(string(e.To)).Inc()
	if e.From == supervisor.StateFailed && e.To == supervisor.StateStarting {
		restartsTotal.WithLabelValues(e.Service).Inc()
	}
}
