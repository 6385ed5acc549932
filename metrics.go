package sipevents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type subscriptionMetrics struct {
	subscriptions *prometheus.CounterVec
	notifications *prometheus.CounterVec
	terminations  *prometheus.CounterVec
	dialogsActive prometheus.Gauge
}

// newSubscriptionMetrics registers the subscription metrics with reg. A nil
// reg keeps the metrics on a private registry so callers that do not scrape
// pay nothing.
func newSubscriptionMetrics(reg prometheus.Registerer) *subscriptionMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &subscriptionMetrics{
		subscriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipevents_subscriptions_total",
			Help: "Subscriptions created, by role.",
		}, []string{"role"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipevents_notifications_total",
			Help: "NOTIFY requests handled, by direction.",
		}, []string{"direction"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipevents_terminations_total",
			Help: "Subscription terminations, by role and code.",
		}, []string{"role", "code"}),
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sipevents_dialogs_active",
			Help: "Dialogs currently registered with the user agent.",
		}),
	}
}
