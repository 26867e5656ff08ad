package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "broker",
		Name:      "deliveries_total",
		Help:      "Messages delivered to the notification handler.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "broker",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts after transient link faults.",
	})
	metricHandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "broker",
		Name:      "handler_panics_total",
		Help:      "Message handler panics caught by the consumer loop.",
	})
	metricReportsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geogate",
		Subsystem: "broker",
		Name:      "reports_published_total",
		Help:      "Outbound report messages published.",
	})
)
