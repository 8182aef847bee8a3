package deviceauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_device_auth_started_total",
		Help: "Device authorization flows started, by action.",
	}, []string{"action"})

	flowsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_device_auth_finished_total",
		Help: "Device authorization flows finished, by action and final state.",
	}, []string{"action", "state"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_device_auth_polls_total",
		Help: "Token polls sent to the identity provider, by answer.",
	}, []string{"status"})

	clientRegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_oidc_client_registrations_total",
		Help: "Public OIDC clients registered with the identity provider.",
	})
)
