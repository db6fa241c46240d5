package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// SIP metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	SIPSendErrors     *prometheus.CounterVec

	// Device metrics
	DevicesOnline    prometheus.Gauge
	DeviceRegisters  *prometheus.CounterVec
	ChannelsReported prometheus.Gauge

	// Exchange metrics
	CatalogExchanges    *prometheus.CounterVec
	CorrelationTimeouts *prometheus.CounterVec
	InviteSetupTime     prometheus.Histogram
	StreamsActive       prometheus.Gauge

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_sip_requests_total",
				Help: "Total inbound SIP requests by method",
			},
			[]string{"method"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_sip_responses_total",
				Help: "Total SIP responses sent by status code",
			},
			[]string{"status"},
		)

		SIPSendErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_sip_send_errors_total",
				Help: "Total outbound SIP send failures by method",
			},
			[]string{"method"},
		)

		DevicesOnline = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gb28181_devices_online",
				Help: "Number of devices currently online",
			},
		)

		DeviceRegisters = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_device_registers_total",
				Help: "Total REGISTER outcomes by result",
			},
			[]string{"result"},
		)

		ChannelsReported = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gb28181_channels_reported",
				Help: "Number of channels known across all devices",
			},
		)

		CatalogExchanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_catalog_exchanges_total",
				Help: "Total catalog query exchanges by result",
			},
			[]string{"result"},
		)

		CorrelationTimeouts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_correlation_timeouts_total",
				Help: "Total correlation slot timeouts by category",
			},
			[]string{"category"},
		)

		InviteSetupTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gb28181_invite_setup_seconds",
				Help:    "Time from INVITE sent to stream established",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		)

		StreamsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gb28181_streams_active",
				Help: "Number of live streams with an open dialog",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gb28181_amqp_published_total",
				Help: "Total AMQP event messages published by type",
			},
			[]string{"event_type"},
		)

		AMQPConnectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gb28181_amqp_connection_errors_total",
				Help: "Total AMQP connection failures",
			},
		)

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPSendErrors,
			DevicesOnline,
			DeviceRegisters,
			ChannelsReported,
			CatalogExchanges,
			CorrelationTimeouts,
			InviteSetupTime,
			StreamsActive,
			AMQPPublishedMessages,
			AMQPConnectionErrors,
		)

		logger.Debug("Prometheus metrics initialized")
	})
}

// Handler returns the HTTP handler serving the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
