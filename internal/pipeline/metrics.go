package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLayersPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "pipeline",
		Name:      "layers_published_total",
		Help:      "Layers published and recorded successfully.",
	})
	metricLayersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "pipeline",
		Name:      "layers_failed_total",
		Help:      "Layer publication attempts that failed.",
	})
	metricNotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "pipeline",
		Name:      "notifications_dropped_total",
		Help:      "Inbound notifications dropped as malformed.",
	})
)
