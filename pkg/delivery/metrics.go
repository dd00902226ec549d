package delivery

import (
	"expvar"

	"github.com/inbucket/listgate/pkg/metric"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Prometheus counters, served at /metrics.
	recipientsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listgate_delivery_recipients_total",
		Help: "Recipients handed to the outbound relay, by result",
	}, []string{"result"})
	chunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listgate_delivery_chunks_total",
		Help: "Outbound SMTP transactions, by result",
	}, []string{"result"})
	filteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listgate_delivery_filtered_total",
		Help: "Recipients removed because they are on the gateway domain",
	})

	expMessagesTotal   = new(expvar.Int)
	expRecipientsTotal = new(expvar.Int)
	expFailuresTotal   = new(expvar.Int)
)

func init() {
	prometheus.MustRegister(recipientsTotal)
	prometheus.MustRegister(chunksTotal)
	prometheus.MustRegister(filteredTotal)

	m := expvar.NewMap("delivery")
	metric.NewHistory(m, "Messages", expMessagesTotal)
	metric.NewHistory(m, "Recipients", expRecipientsTotal)
	metric.NewHistory(m, "Failures", expFailuresTotal)
}
