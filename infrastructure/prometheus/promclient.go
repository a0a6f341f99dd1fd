package promclient

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var OpenConnectionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "feedhub_open_connections",
		Help: "number of live exchange connections across all batches",
	},
)

var ActiveSubscriptionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "feedhub_active_subscriptions",
		Help: "number of tracked subscription keys",
	},
)

var RoutedEvents = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "feedhub_routed_events_total",
		Help: "normalized events delivered to subscriber mailboxes",
	},
)

var DroppedDeliveries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "feedhub_dropped_deliveries_total",
		Help: "events dropped because a subscriber mailbox was full",
	},
)

var DecodeErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "feedhub_decode_errors_total",
		Help: "wire payloads that failed to decode and were dropped",
	},
)

func StartPromClientServer(addr string) {
	reg := prometheus.NewRegistry()
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	reg.MustRegister(OpenConnectionsGauge)
	reg.MustRegister(ActiveSubscriptionsGauge)
	reg.MustRegister(RoutedEvents)
	reg.MustRegister(DroppedDeliveries)
	reg.MustRegister(DecodeErrors)
	reg.MustRegister(collectors.NewGoCollector())

	http.Handle("/metrics", promHandler)
	log.Printf("prometheus server listening at %s", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
