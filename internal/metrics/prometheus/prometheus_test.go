package prometheus_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	metricsprometheus "github.com/slaguard/slaguard/internal/metrics/prometheus"
	"github.com/slaguard/slaguard/internal/model"
)

func TestPrometheusRecorder(t *testing.T) {
	tests := map[string]struct {
		measure        func(t *testing.T, r metricsprometheus.Recorder)
		expMetricNames []string
		expMetrics     string
	}{
		"Observing breaches should measure correctly.": {
			measure: func(t *testing.T, r metricsprometheus.Recorder) {
				r.ObserveBreach(context.TODO(), model.SeverityCritical)
				r.ObserveBreach(context.TODO(), model.SeverityCritical)
				r.ObserveBreach(context.TODO(), model.SeverityHigh)
			},
			expMetricNames: []string{"slaguard_breach_detected_total"},
			expMetrics: `
				# HELP slaguard_breach_detected_total Total number of detected SLA breaches.
				# TYPE slaguard_breach_detected_total counter
				slaguard_breach_detected_total{severity="critical"} 2
				slaguard_breach_detected_total{severity="high"} 1
			`,
		},

		"Setting the tracking gauges should measure correctly.": {
			measure: func(t *testing.T, r metricsprometheus.Recorder) {
				r.SetActiveBreaches(context.TODO(), 3)
				r.SetTrackedSLAs(context.TODO(), 7)
				r.SetQueueDepth(4)
			},
			expMetricNames: []string{
				"slaguard_breach_active",
				"slaguard_tracking_slas",
				"slaguard_notification_queue_depth",
			},
			expMetrics: `
				# HELP slaguard_breach_active Number of currently active SLA breaches.
				# TYPE slaguard_breach_active gauge
				slaguard_breach_active 3
				# HELP slaguard_notification_queue_depth Number of notification intents waiting for delivery.
				# TYPE slaguard_notification_queue_depth gauge
				slaguard_notification_queue_depth 4
				# HELP slaguard_tracking_slas Number of SLAs currently tracked.
				# TYPE slaguard_tracking_slas gauge
				slaguard_tracking_slas 7
			`,
		},

		"Observing notification deliveries should measure correctly.": {
			measure: func(t *testing.T, r metricsprometheus.Recorder) {
				r.ObserveDelivery("log", true, 1)
				r.ObserveDelivery("log", true, 3)
				r.ObserveDelivery("log", false, 2)
			},
			expMetricNames: []string{
				"slaguard_notification_deliveries_total",
				"slaguard_notification_delivery_attempts",
			},
			expMetrics: `
				# HELP slaguard_notification_deliveries_total Total number of notification delivery outcomes.
				# TYPE slaguard_notification_deliveries_total counter
				slaguard_notification_deliveries_total{channel="log",success="false"} 1
				slaguard_notification_deliveries_total{channel="log",success="true"} 2
				# HELP slaguard_notification_delivery_attempts Attempt count histogram of notification deliveries.
				# TYPE slaguard_notification_delivery_attempts histogram
				slaguard_notification_delivery_attempts_bucket{channel="log",le="1"} 1
				slaguard_notification_delivery_attempts_bucket{channel="log",le="2"} 2
				slaguard_notification_delivery_attempts_bucket{channel="log",le="3"} 3
				slaguard_notification_delivery_attempts_bucket{channel="log",le="5"} 3
				slaguard_notification_delivery_attempts_bucket{channel="log",le="10"} 3
				slaguard_notification_delivery_attempts_bucket{channel="log",le="+Inf"} 3
				slaguard_notification_delivery_attempts_sum{channel="log"} 6
				slaguard_notification_delivery_attempts_count{channel="log"} 3
			`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			reg := prometheus.NewRegistry()
			rec := metricsprometheus.NewRecorder(reg)

			test.measure(t, rec)

			// Check metrics.
			err := testutil.GatherAndCompare(reg, strings.NewReader(test.expMetrics), test.expMetricNames...)
			assert.NoError(err)
		})
	}
}
