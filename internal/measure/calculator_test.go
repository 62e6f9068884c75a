package measure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaguard/slaguard/internal/measure"
	"github.com/slaguard/slaguard/internal/model"
	"github.com/slaguard/slaguard/internal/storage/memory"
)

var t0 = time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)

func getAvailabilitySLA() model.SLADefinition {
	return model.SLADefinition{
		ID:          "sla1",
		ServiceID:   "svc1",
		Name:        "availability",
		MetricType:  model.MetricTypeAvailability,
		TargetValue: 99.5,
		Unit:        "%",
		Thresholds:  model.Thresholds{Target: 99.5, Warning: 99.0, Critical: 98.0},
		Measurement: model.MeasurementConfig{Frequency: time.Minute},
		TimeWindow:  time.Hour,
	}
}

func getLatencySLA() model.SLADefinition {
	def := getAvailabilitySLA()
	def.ID = "sla-latency"
	def.MetricType = model.MetricTypeResponseTime
	def.TargetValue = 200
	def.Unit = "ms"
	def.Thresholds = model.Thresholds{Target: 200, Warning: 250, Critical: 300}
	return def
}

func storeWith(t *testing.T, slaID string, values []float64) *memory.MeasurementRepository {
	repo := memory.NewMeasurementRepository()
	for i, v := range values {
		err := repo.Append(context.TODO(), model.MeasurementPoint{
			SLAID:     slaID,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Value:     v,
			Valid:     true,
		})
		require.NoError(t, err)
	}
	return repo
}

func TestCalculatorCalculate(t *testing.T) {
	window := model.TimeWindow{From: t0, To: t0.Add(time.Hour)}

	tests := map[string]struct {
		def       func() model.SLADefinition
		values    []float64
		expStatus model.MetricStatus
		expValue  float64
		expCompl  float64
	}{
		"Measurements on target should be compliant.": {
			def:       getAvailabilitySLA,
			values:    []float64{99.9, 99.8, 99.9, 100},
			expStatus: model.MetricStatusCompliant,
			expValue:  99.9,
			expCompl:  100,
		},

		"Measurements between warning and critical should be at risk.": {
			def:       getAvailabilitySLA,
			values:    []float64{98.5, 98.5, 98.5},
			expStatus: model.MetricStatusAtRisk,
			expValue:  98.5,
			expCompl:  98.5 / 99.5 * 100,
		},

		"Measurements below critical should be breached.": {
			def:       getAvailabilitySLA,
			values:    []float64{97.5, 97.5, 97.5, 97.5, 97.5},
			expStatus: model.MetricStatusBreached,
			expValue:  97.5,
			expCompl:  97.5 / 99.5 * 100,
		},

		"Lower-is-better metrics on target should be compliant.": {
			def:       getLatencySLA,
			values:    []float64{180, 190, 170},
			expStatus: model.MetricStatusCompliant,
			expValue:  180,
			expCompl:  100,
		},

		"Lower-is-better metrics above the critical threshold should be breached.": {
			def:       getLatencySLA,
			values:    []float64{320, 320, 320},
			expStatus: model.MetricStatusBreached,
			expValue:  320,
			expCompl:  100 - (320-200)/200.0*100,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			def := test.def()
			calc, err := measure.NewCalculator(measure.CalculatorConfig{
				Measurements: storeWith(t, def.ID, test.values),
			})
			require.NoError(t, err)

			metric, err := calc.Calculate(context.TODO(), def, window)
			require.NoError(t, err)

			assert.Equal(t, test.expStatus, metric.Status)
			assert.InDelta(t, test.expValue, metric.CurrentValue, 0.0001)
			assert.InDelta(t, test.expCompl, metric.CompliancePercentage, 0.0001)
			assert.Equal(t, len(test.values), metric.SampleCount)
		})
	}
}

func TestCalculatorEmptyWindowIsUnknown(t *testing.T) {
	def := getAvailabilitySLA()
	calc, err := measure.NewCalculator(measure.CalculatorConfig{
		Measurements: memory.NewMeasurementRepository(),
	})
	require.NoError(t, err)

	metric, err := calc.Calculate(context.TODO(), def, model.TimeWindow{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, model.MetricStatusUnknown, metric.Status)
	assert.Equal(t, 0, metric.SampleCount)
}

func TestCalculatorExcludedPointsAreIgnored(t *testing.T) {
	def := getAvailabilitySLA()
	repo := memory.NewMeasurementRepository()
	require.NoError(t, repo.Append(context.TODO(), model.MeasurementPoint{
		SLAID: def.ID, Timestamp: t0.Add(time.Minute), Value: 99.9, Valid: true,
	}))
	require.NoError(t, repo.Append(context.TODO(), model.MeasurementPoint{
		SLAID: def.ID, Timestamp: t0.Add(2 * time.Minute), Value: -1000,
		Valid: false, ExcludeFromCalculation: true, ExclusionReason: "below minimum",
	}))

	calc, err := measure.NewCalculator(measure.CalculatorConfig{Measurements: repo})
	require.NoError(t, err)

	metric, err := calc.Calculate(context.TODO(), def, model.TimeWindow{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 1, metric.SampleCount)
	assert.InDelta(t, 99.9, metric.CurrentValue, 0.0001)
}

func TestCalculatorAggregations(t *testing.T) {
	window := model.TimeWindow{From: t0, To: t0.Add(time.Hour)}
	values := []float64{10, 20, 30, 40, 100}

	tests := map[string]struct {
		aggregation model.AggregationMethod
		percentile  float64
		expValue    float64
	}{
		"Average aggregation.":        {aggregation: model.AggregationAvg, expValue: 40},
		"Min aggregation.":            {aggregation: model.AggregationMin, expValue: 10},
		"Max aggregation.":            {aggregation: model.AggregationMax, expValue: 100},
		"Sum aggregation.":            {aggregation: model.AggregationSum, expValue: 200},
		"Count aggregation.":          {aggregation: model.AggregationCount, expValue: 5},
		"P50 percentile aggregation.": {aggregation: model.AggregationPercentile, percentile: 50, expValue: 30},
		"P90 percentile aggregation.": {aggregation: model.AggregationPercentile, percentile: 90, expValue: 76},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			def := getAvailabilitySLA()
			def.Measurement.Aggregation = test.aggregation
			def.Measurement.Percentile = test.percentile

			calc, err := measure.NewCalculator(measure.CalculatorConfig{
				Measurements: storeWith(t, def.ID, values),
			})
			require.NoError(t, err)

			metric, err := calc.Calculate(context.TODO(), def, window)
			require.NoError(t, err)
			assert.InDelta(t, test.expValue, metric.CurrentValue, 0.0001)
		})
	}
}

func TestCalculatorTrend(t *testing.T) {
	tests := map[string]struct {
		def          func() model.SLADefinition
		values       []float64
		expDirection model.TrendDirection
	}{
		"Rising availability should be improving.": {
			def:          getAvailabilitySLA,
			values:       []float64{97, 98, 99, 99.5},
			expDirection: model.TrendImproving,
		},

		"Falling availability should be degrading.": {
			def:          getAvailabilitySLA,
			values:       []float64{99.5, 99, 98, 97},
			expDirection: model.TrendDegrading,
		},

		"Rising latency should be degrading.": {
			def:          getLatencySLA,
			values:       []float64{100, 150, 200, 250},
			expDirection: model.TrendDegrading,
		},

		"Flat series should be stable.": {
			def:          getAvailabilitySLA,
			values:       []float64{99.5, 99.5, 99.5, 99.5},
			expDirection: model.TrendStable,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			def := test.def()
			calc, err := measure.NewCalculator(measure.CalculatorConfig{
				Measurements: storeWith(t, def.ID, test.values),
			})
			require.NoError(t, err)

			metric, err := calc.Calculate(context.TODO(), def, model.TimeWindow{From: t0, To: t0.Add(time.Hour)})
			require.NoError(t, err)
			require.NotNil(t, metric.Trend)
			assert.Equal(t, test.expDirection, metric.Trend.Direction)
		})
	}
}

func TestCompliance(t *testing.T) {
	tests := map[string]struct {
		value, target  float64
		higherIsBetter bool
		expCompliance  float64
	}{
		"Value over target clamps to 100.":                  {value: 100, target: 99.5, higherIsBetter: true, expCompliance: 100},
		"Spec scenario value 97.5 against 99.5.":            {value: 97.5, target: 99.5, higherIsBetter: true, expCompliance: 97.98994974874373},
		"Lower-is-better under target clamps to 100.":       {value: 150, target: 200, higherIsBetter: false, expCompliance: 100},
		"Lower-is-better at double the target clamps to 0.": {value: 400, target: 200, higherIsBetter: false, expCompliance: 0},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := measure.Compliance(test.value, test.target, test.higherIsBetter)
			assert.InDelta(t, test.expCompliance, got, 0.0001)
		})
	}
}
