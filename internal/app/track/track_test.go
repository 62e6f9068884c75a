package track_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaguard/slaguard/internal/analyze"
	"github.com/slaguard/slaguard/internal/app/track"
	"github.com/slaguard/slaguard/internal/breach"
	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/measure"
	"github.com/slaguard/slaguard/internal/model"
	"github.com/slaguard/slaguard/internal/score"
	"github.com/slaguard/slaguard/internal/storage/memory"
)

var t0 = time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)

type eventCapture struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *eventCapture) Dispatch(e model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCapture) kinds() []model.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]model.EventKind, 0, len(c.events))
	for _, e := range c.events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

func (c *eventCapture) count(kind model.EventKind) int {
	n := 0
	for _, k := range c.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type countingCalculator struct {
	next  track.MetricCalculator
	mu    sync.Mutex
	calls int
}

func (c *countingCalculator) Calculate(ctx context.Context, def model.SLADefinition, window model.TimeWindow) (*model.SLAMetric, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.Calculate(ctx, def, window)
}

func (c *countingCalculator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	service  *track.Service
	slas     *memory.SLARepository
	meas     *memory.MeasurementRepository
	breaches *memory.BreachRepository
	calc     *countingCalculator
	events   *eventCapture
	now      *time.Time
	source   *scriptedSource
}

type scriptedSource struct {
	mu    sync.Mutex
	value float64
	err   error
}

func (s *scriptedSource) Query(ctx context.Context, def model.SLADefinition) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

func (s *scriptedSource) set(value float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.err = value, err
}

func newTestEnv(t *testing.T) *testEnv {
	now := t0
	timeNow := func() time.Time { return now }

	slas := memory.NewSLARepository()
	meas := memory.NewMeasurementRepository()
	breaches := memory.NewBreachRepository()
	events := &eventCapture{}
	source := &scriptedSource{value: 99.9}

	calculator, err := measure.NewCalculator(measure.CalculatorConfig{Measurements: meas})
	require.NoError(t, err)
	calc := &countingCalculator{next: calculator}

	detector, err := breach.NewDetector(breach.DetectorConfig{
		Repository:   breaches,
		Measurements: meas,
		Dispatcher:   events,
		TimeNow:      timeNow,
	})
	require.NoError(t, err)

	scorer, err := score.NewScorer(score.ScorerConfig{
		SLAs:         slas,
		Calculator:   calculator,
		Measurements: meas,
		Breaches:     breaches,
		TimeNow:      timeNow,
	})
	require.NoError(t, err)

	analyzer, err := analyze.NewAnalyzer(analyze.AnalyzerConfig{
		Measurements: meas,
		TimeNow:      timeNow,
	})
	require.NoError(t, err)

	service, err := track.NewService(track.ServiceConfig{
		SLAs:         slas,
		Measurements: meas,
		Calculator:   calc,
		Detector:     detector,
		Scorer:       scorer,
		Analyzer:     analyzer,
		Source:       source,
		Dispatcher:   events,
		TimeNow:      timeNow,
	})
	require.NoError(t, err)
	t.Cleanup(service.Shutdown)

	env := &testEnv{
		service:  service,
		slas:     slas,
		meas:     meas,
		breaches: breaches,
		calc:     calc,
		events:   events,
		now:      &now,
		source:   source,
	}
	return env
}

func getSLA() model.SLADefinition {
	return model.SLADefinition{
		ID:          "sla-checkout",
		ServiceID:   "checkout",
		Name:        "checkout availability",
		MetricType:  model.MetricTypeAvailability,
		TargetValue: 99.5,
		Unit:        "%",
		Thresholds:  model.Thresholds{Target: 99.5, Warning: 99.0, Critical: 98.0},
		Measurement: model.MeasurementConfig{Frequency: time.Minute},
		TimeWindow:  time.Hour,
	}
}

func (e *testEnv) collect(t *testing.T, values ...float64) {
	def, err := e.slas.GetSLA(context.TODO(), "sla-checkout")
	require.NoError(t, err)
	for _, v := range values {
		*e.now = e.now.Add(time.Minute)
		e.source.set(v, nil)
		require.NoError(t, e.service.CollectMeasurement(context.TODO(), *def))
	}
}

func TestRegisterSLAValidation(t *testing.T) {
	env := newTestEnv(t)

	def := getSLA()
	def.Thresholds = model.Thresholds{Target: 99.5, Warning: 98.0, Critical: 99.0}

	err := env.service.RegisterSLA(context.TODO(), def)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRegisterSLADuplicateFails(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))
	assert.Error(t, env.service.RegisterSLA(context.TODO(), getSLA()))
}

func TestUpdateSLABumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))

	def := getSLA()
	def.Description = "updated"
	require.NoError(t, env.service.UpdateSLA(context.TODO(), def))

	got, err := env.service.GetSLA(context.TODO(), def.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "updated", got.Description)
}

func TestUpdateSLAUnknownFails(t *testing.T) {
	env := newTestEnv(t)

	err := env.service.UpdateSLA(context.TODO(), getSLA())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCollectMeasurementValidatesBounds(t *testing.T) {
	env := newTestEnv(t)

	def := getSLA()
	lo, hi := 0.0, 100.0
	def.Measurement.MinValid = &lo
	def.Measurement.MaxValid = &hi
	require.NoError(t, env.service.RegisterSLA(context.TODO(), def))

	for _, v := range []float64{99.9, 150, -5, math.NaN()} {
		*env.now = env.now.Add(time.Minute)
		env.source.set(v, nil)
		require.NoError(t, env.service.CollectMeasurement(context.TODO(), def))
	}

	points, err := env.meas.ListWindow(context.TODO(), def.ID, model.TimeWindow{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, points, 4)

	assert.False(t, points[0].ExcludeFromCalculation)
	assert.True(t, points[1].ExcludeFromCalculation)
	assert.NotEmpty(t, points[1].ExclusionReason)
	assert.True(t, points[2].ExcludeFromCalculation)
	assert.True(t, points[3].ExcludeFromCalculation)
	assert.False(t, points[3].Valid)
}

func TestCollectMeasurementDataSourceError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))

	env.source.set(0, assert.AnError)
	err := env.service.CollectMeasurement(context.TODO(), getSLA())
	require.Error(t, err)

	var dsErr apperrors.DataSourceError
	assert.ErrorAs(t, err, &dsErr)
}

func TestCollectMeasurementPrunesRetention(t *testing.T) {
	env := newTestEnv(t)

	def := getSLA()
	def.Measurement.RetentionDays = 1
	require.NoError(t, env.service.RegisterSLA(context.TODO(), def))

	env.source.set(99.9, nil)
	require.NoError(t, env.service.CollectMeasurement(context.TODO(), def))

	// Two days later the first point falls out of retention.
	*env.now = t0.Add(48 * time.Hour)
	require.NoError(t, env.service.CollectMeasurement(context.TODO(), def))

	points, err := env.meas.ListWindow(context.TODO(), def.ID, model.TimeWindow{From: t0, To: t0.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestGetMetricUnknownSLA(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.GetMetric(context.TODO(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetMetricNoDataIsUnknown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))

	got, err := env.service.GetMetric(context.TODO(), "sla-checkout")
	require.NoError(t, err)
	assert.Equal(t, model.MetricStatusUnknown, got.Status)
}

func TestGetSLAHistoryRecomputesPerInterval(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))
	env.collect(t, 99.9, 99.9, 99.8, 99.9)

	history, err := env.service.GetSLAHistory(context.TODO(), "sla-checkout",
		model.TimeWindow{From: t0.Add(30 * time.Second), To: t0.Add(4*time.Minute + 30*time.Second)}, 2*time.Minute)
	require.NoError(t, err)

	require.Len(t, history, 2)
	assert.Equal(t, model.MetricStatusCompliant, history[0].Status)
	assert.Equal(t, 2, history[0].SampleCount)
	assert.Equal(t, 2, history[1].SampleCount)
}

func TestGetSLAHistoryBadInterval(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))

	_, err := env.service.GetSLAHistory(context.TODO(), "sla-checkout", model.TimeWindow{From: t0, To: t0.Add(time.Hour)}, 0)
	assert.True(t, apperrors.IsValidation(err))
}

func TestEndToEndBreachLifecycle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))

	// Five degraded measurements at the configured frequency.
	env.collect(t, 97.5, 97.5, 97.5, 97.5, 97.5)

	got, err := env.service.GetMetric(context.TODO(), "sla-checkout")
	require.NoError(t, err)
	assert.Equal(t, model.MetricStatusBreached, got.Status)
	assert.InDelta(t, 97.99, got.CompliancePercentage, 0.01)

	active, err := env.service.GetActiveBreaches(context.TODO(), "sla-checkout")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.SeverityCritical, active[0].Severity)

	// Exactly one calculation event for the one calculation.
	assert.Equal(t, 1, env.events.count(model.EventKindMetricCalculated))
	assert.Equal(t, 1, env.events.count(model.EventKindBreachDetected))

	err = env.service.ResolveBreach(context.TODO(), active[0].ID, "user1", "restarted service")
	require.NoError(t, err)

	active, err = env.service.GetActiveBreaches(context.TODO(), "sla-checkout")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 1, env.events.count(model.EventKindBreachResolved))
}

func TestCalculationQueueDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))
	env.collect(t, 99.9, 99.9)

	// Three requests before the consumer starts: only one survives.
	for i := 0; i < 3; i++ {
		require.NoError(t, env.service.RequestRecalculation(context.TODO(), "sla-checkout"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = env.service.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return env.calc.count() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.calc.count())

	cancel()
	<-done
}

func TestStopTracking(t *testing.T) {
	env := newTestEnv(t)

	def := getSLA()
	def.Active = true
	def.Measurement.Frequency = 10 * time.Millisecond
	require.NoError(t, env.service.RegisterSLA(context.TODO(), def))

	require.NoError(t, env.service.StopTracking(context.TODO(), def.ID))
	err := env.service.StopTracking(context.TODO(), def.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestActivePollerFeedsQueue(t *testing.T) {
	env := newTestEnv(t)

	def := getSLA()
	def.Active = true
	def.Measurement.Frequency = 5 * time.Millisecond
	require.NoError(t, env.service.RegisterSLA(context.TODO(), def))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.service.Run(ctx) }()

	// The poller ticks on wall-clock time while measurement timestamps come
	// from the frozen test clock, so every tick lands in the window.
	require.Eventually(t, func() bool {
		return env.events.count(model.EventKindMetricCalculated) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPerformHistoricalAnalysisResolvesPolarity(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))
	env.collect(t, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99)

	got, err := env.service.PerformHistoricalAnalysis(context.TODO(), analyze.Request{
		SLAID:  "sla-checkout",
		Window: model.TimeWindow{From: t0, To: t0.Add(time.Hour)},
	})
	require.NoError(t, err)

	require.NotNil(t, got.Trend)
	assert.Equal(t, model.TrendImproving, got.Trend.Direction)
}

func TestPerformHistoricalAnalysisUnknownSLA(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.PerformHistoricalAnalysis(context.TODO(), analyze.Request{SLAID: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCalculateComplianceScoreFacade(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.service.RegisterSLA(context.TODO(), getSLA()))
	env.collect(t, 99.9, 99.9, 99.9)

	got, err := env.service.CalculateComplianceScore(context.TODO(), score.Request{
		SLAID:  "sla-checkout",
		Window: model.TimeWindow{From: t0, To: t0.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Overall, 0.0)
	assert.LessOrEqual(t, got.Overall, 100.0)
}
