package prometheus

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slaguard/slaguard/internal/model"
)

const (
	Prefix = "slaguard"
)

type Recorder struct {
	reg prometheus.Registerer

	calculationLatency  *prometheus.HistogramVec
	breachesTotal       *prometheus.CounterVec
	activeBreaches      prometheus.Gauge
	deliveriesTotal     *prometheus.CounterVec
	deliveryAttempts    *prometheus.HistogramVec
	notificationPending prometheus.Gauge
	trackedSLAs         prometheus.Gauge
}

func NewRecorder(reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		reg: reg,

		calculationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Prefix,
				Subsystem: "calculation",
				Name:      "duration_seconds",
				Help:      "Duration histogram of SLA metric calculations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sla", "success"},
		),

		breachesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "breach",
				Name:      "detected_total",
				Help:      "Total number of detected SLA breaches.",
			},
			[]string{"severity"},
		),

		activeBreaches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Prefix,
				Subsystem: "breach",
				Name:      "active",
				Help:      "Number of currently active SLA breaches.",
			},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "notification",
				Name:      "deliveries_total",
				Help:      "Total number of notification delivery outcomes.",
			},
			[]string{"channel", "success"},
		),

		deliveryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Prefix,
				Subsystem: "notification",
				Name:      "delivery_attempts",
				Help:      "Attempt count histogram of notification deliveries.",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
			[]string{"channel"},
		),

		notificationPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Prefix,
				Subsystem: "notification",
				Name:      "queue_depth",
				Help:      "Number of notification intents waiting for delivery.",
			},
		),

		trackedSLAs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Prefix,
				Subsystem: "tracking",
				Name:      "slas",
				Help:      "Number of SLAs currently tracked.",
			},
		),
	}

	r.init()

	return *r
}

func (r Recorder) init() {
	// Register our collectors.
	r.reg.MustRegister(
		r.calculationLatency,
		r.breachesTotal,
		r.activeBreaches,
		r.deliveriesTotal,
		r.deliveryAttempts,
		r.notificationPending,
		r.trackedSLAs,
	)
}

func (r Recorder) MeasureCalculation(ctx context.Context, slaID string, t time.Duration, err error) {
	r.calculationLatency.WithLabelValues(slaID, strconv.FormatBool(err == nil)).Observe(t.Seconds())
}

func (r Recorder) ObserveBreach(ctx context.Context, severity model.BreachSeverity) {
	r.breachesTotal.WithLabelValues(string(severity)).Inc()
}

func (r Recorder) SetActiveBreaches(ctx context.Context, n int) {
	r.activeBreaches.Set(float64(n))
}

func (r Recorder) ObserveDelivery(channel string, success bool, attempts int) {
	r.deliveriesTotal.WithLabelValues(channel, strconv.FormatBool(success)).Inc()
	r.deliveryAttempts.WithLabelValues(channel).Observe(float64(attempts))
}

func (r Recorder) SetQueueDepth(n int) {
	r.notificationPending.Set(float64(n))
}

func (r Recorder) SetTrackedSLAs(ctx context.Context, n int) {
	r.trackedSLAs.Set(float64(n))
}
