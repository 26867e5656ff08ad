package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRetired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "geogate",
	Subsystem: "retention",
	Name:      "resources_retired_total",
	Help:      "Resource records retired by policy or explicit deletion.",
})
