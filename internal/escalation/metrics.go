package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "remindrelay",
		Subsystem: "escalation",
		Name:      "transitions_total",
		Help:      "Reminder state machine transitions fired",
	},
	[]string{"transition"},
)

func recordTransition(transition string) {
	transitionsTotal.WithLabelValues(transition).Inc()
}
