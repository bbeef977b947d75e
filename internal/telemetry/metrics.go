package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished — успешные публикации.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_published_total",
		Help: "Total messages published by the producer",
	})

	// PublishFailures — неудачные попытки публикации.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_publish_failures_total",
		Help: "Total failed publish attempts",
	})

	// DeliveriesTotal — доставки по исходу (acknowledged, rejected_discard, rejected_requeue).
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_deliveries_total",
		Help: "Total deliveries handled by the consumer, by outcome",
	}, []string{"outcome"})

	// HandlerDuration — время работы обработчика.
	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_handler_duration_seconds",
		Help:    "Message handler duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectionOpen — число открытых соединений с брокером.
	ConnectionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connection_open",
		Help: "Number of open broker connections",
	})

	// Reconnects — переподключения после потери соединения.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_reconnects_total",
		Help: "Total reconnects after a lost broker connection",
	}, []string{"role"})
)
