package creditsapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the credits API.
type Metrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewMetrics registers the API instruments on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_ledger_operations_total",
			Help: "Ledger operations processed, by operation and outcome.",
		}, []string{"operation", "status"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_ledger_rejections_total",
			Help: "Business-rule rejections, by operation and reason.",
		}, []string{"operation", "reason"}),
	}
}

func (metrics *Metrics) observe(operation string, err error) {
	if metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.operations.WithLabelValues(operation, status).Inc()
}

func (metrics *Metrics) reject(operation string, reason string) {
	if metrics == nil {
		return
	}
	metrics.rejections.WithLabelValues(operation, reason).Inc()
}
