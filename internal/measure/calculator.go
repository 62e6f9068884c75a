// Package measure implements the SLA metric calculation: it collapses the raw
// measurements of a rolling time window into a single compliance metric.
package measure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/model"
)

// MeasurementGetter knows how to get the stored measurement points of an SLA.
type MeasurementGetter interface {
	ListWindow(ctx context.Context, slaID string, window model.TimeWindow) ([]model.MeasurementPoint, error)
}

// CalculatorConfig is the metric calculator configuration.
type CalculatorConfig struct {
	Measurements MeasurementGetter
	// StableSlopeEpsilon is the relative slope (per hour, against the target
	// value) under which a trend is considered stable.
	StableSlopeEpsilon float64
	Logger             log.Logger
}

func (c *CalculatorConfig) defaults() error {
	if c.Measurements == nil {
		return fmt.Errorf("measurement getter is required")
	}

	if c.StableSlopeEpsilon == 0 {
		c.StableSlopeEpsilon = 0.001
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "measure.Calculator"})

	return nil
}

// Calculator aggregates measurements into SLA metrics. Pure CPU-bound once the
// points are loaded, it never blocks on I/O mid-calculation.
type Calculator struct {
	measurements       MeasurementGetter
	stableSlopeEpsilon float64
	logger             log.Logger
}

// NewCalculator returns a new metric calculator.
func NewCalculator(config CalculatorConfig) (*Calculator, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Calculator{
		measurements:       config.Measurements,
		stableSlopeEpsilon: config.StableSlopeEpsilon,
		logger:             config.Logger,
	}, nil
}

// Calculate computes the SLA metric over the given window. A window without
// valid points yields a metric with unknown status instead of an error,
// absence of data is a reportable state, not a failure.
func (c *Calculator) Calculate(ctx context.Context, def model.SLADefinition, window model.TimeWindow) (*model.SLAMetric, error) {
	points, err := c.measurements.ListWindow(ctx, def.ID, window)
	if err != nil {
		return nil, fmt.Errorf("could not list measurements: %w", err)
	}

	valid := make([]model.MeasurementPoint, 0, len(points))
	for _, p := range points {
		if p.Valid && !p.ExcludeFromCalculation {
			valid = append(valid, p)
		}
	}

	if len(valid) == 0 {
		return &model.SLAMetric{
			SLAID:        def.ID,
			Window:       window,
			TargetValue:  def.TargetValue,
			Status:       model.MetricStatusUnknown,
			CalculatedAt: time.Now().UTC(),
		}, nil
	}

	current, err := aggregate(valid, def.Measurement.Aggregation, def.Measurement.Percentile)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		return nil, &apperrors.CalculationError{SLAID: def.ID, Reason: fmt.Sprintf("aggregation produced %v", current)}
	}

	compliance := Compliance(current, def.TargetValue, def.MetricType.HigherIsBetter())

	return &model.SLAMetric{
		SLAID:                def.ID,
		Window:               window,
		CurrentValue:         current,
		TargetValue:          def.TargetValue,
		CompliancePercentage: compliance,
		Status:               c.status(def, compliance),
		Trend:                c.trend(def, valid),
		SampleCount:          len(valid),
		CalculatedAt:         time.Now().UTC(),
	}, nil
}

// Compliance returns the polarity aware compliance percentage of a value
// against a target, clamped to [0, 100]. For higher-is-better metrics it is
// the ratio to target, for lower-is-better metrics it is 100 minus the
// relative excess over target.
func Compliance(value, target float64, higherIsBetter bool) float64 {
	var compliance float64
	if higherIsBetter {
		compliance = value / target * 100
	} else {
		compliance = 100 - (value-target)/target*100
	}

	return clamp(compliance, 0, 100)
}

// status compares the compliance percentage against percentage bands derived
// from the raw threshold values. Using compliance on both sides keeps the
// comparison consistent for every metric polarity.
func (c *Calculator) status(def model.SLADefinition, compliance float64) model.MetricStatus {
	higher := def.MetricType.HigherIsBetter()
	criticalPct := Compliance(def.Thresholds.Critical, def.TargetValue, higher)
	warningPct := Compliance(def.Thresholds.Warning, def.TargetValue, higher)

	switch {
	case compliance < criticalPct:
		return model.MetricStatusBreached
	case compliance < warningPct:
		return model.MetricStatusAtRisk
	}

	return model.MetricStatusCompliant
}

// trend fits an ordinary least squares line over the window points. Returns
// nil when there are not enough samples to fit a line.
func (c *Calculator) trend(def model.SLADefinition, points []model.MeasurementPoint) *model.Trend {
	if len(points) < 2 {
		return nil
	}

	xs := make([]float64, 0, len(points))
	ys := make([]float64, 0, len(points))
	start := points[0].Timestamp
	for _, p := range points {
		xs = append(xs, p.Timestamp.Sub(start).Hours())
		ys = append(ys, p.Value)
	}

	slope, r2 := OLS(xs, ys)

	// Relative slope against the target so the epsilon is unit independent.
	relSlope := slope / def.TargetValue

	direction := model.TrendStable
	if math.Abs(relSlope) >= c.stableSlopeEpsilon {
		rising := slope > 0
		if rising == def.MetricType.HigherIsBetter() {
			direction = model.TrendImproving
		} else {
			direction = model.TrendDegrading
		}
	}

	return &model.Trend{
		Direction:  direction,
		Slope:      slope,
		Confidence: r2,
	}
}

// OLS returns the least squares slope of y over x and the R² of the fit.
func OLS(xs, ys []float64) (slope, r2 float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / den
	intercept := (sumY - slope*sumX) / n

	// R² from residual and total sum of squares.
	meanY := sumY / n
	var ssRes, ssTot float64
	for i := range xs {
		pred := intercept + slope*xs[i]
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}

	return slope, 1 - ssRes/ssTot
}

func aggregate(points []model.MeasurementPoint, method model.AggregationMethod, percentile float64) (float64, error) {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		values = append(values, p.Value)
	}

	switch method {
	case model.AggregationAvg, "":
		return sum(values) / float64(len(values)), nil
	case model.AggregationMin:
		res := values[0]
		for _, v := range values[1:] {
			res = math.Min(res, v)
		}
		return res, nil
	case model.AggregationMax:
		res := values[0]
		for _, v := range values[1:] {
			res = math.Max(res, v)
		}
		return res, nil
	case model.AggregationSum:
		return sum(values), nil
	case model.AggregationCount:
		return float64(len(values)), nil
	case model.AggregationPercentile:
		return quantile(values, percentile/100), nil
	}

	return 0, fmt.Errorf("unknown aggregation method %q", method)
}

// quantile returns the q quantile (0..1) of the values using linear
// interpolation between closest ranks.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}

	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)

	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func sum(values []float64) float64 {
	var res float64
	for _, v := range values {
		res += v
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
