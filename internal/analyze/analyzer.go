// Package analyze implements deterministic statistical analysis over stored
// measurement series: trend, seasonality, anomalies, cross-SLA correlation and
// pluggable prediction.
package analyze

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/measure"
	"github.com/slaguard/slaguard/internal/model"
)

// MeasurementGetter gives access to the raw measurement series.
type MeasurementGetter interface {
	ListWindow(ctx context.Context, slaID string, window model.TimeWindow) ([]model.MeasurementPoint, error)
}

// PredictionModel forecasts future values of a series. Production-grade models
// plug in here, the built-in one is a moving average.
type PredictionModel interface {
	Predict(ctx context.Context, series []float64, horizon int) ([]float64, error)
}

// TrendResult is the OLS trend of a series.
type TrendResult struct {
	Slope       float64
	R2          float64
	Direction   model.TrendDirection
	Significant bool
}

// SeasonalityResult is the dominant cycle found by the autocorrelation scan.
type SeasonalityResult struct {
	Detected    bool
	PeriodLags  int
	Period      time.Duration
	Correlation float64
}

// Anomaly is a single outlier sample.
type Anomaly struct {
	Timestamp time.Time
	Value     float64
	Expected  float64
	Deviation float64
	Severity  model.BreachSeverity
	// Detector is "zscore" or "iqr".
	Detector string
}

// CorrelationResult relates the analyzed SLA to another SLA series.
type CorrelationResult struct {
	SLAID       string
	OtherSLAID  string
	Coefficient float64
	SampleCount int
}

// Result is the full historical analysis of one SLA over a window.
type Result struct {
	SLAID        string
	Window       model.TimeWindow
	SampleCount  int
	Trend        *TrendResult
	Seasonality  *SeasonalityResult
	Anomalies    []Anomaly
	Correlations []CorrelationResult
	Predictions  []float64
	AnalyzedAt   time.Time
}

// AnalyzerConfig is the historical analyzer configuration.
type AnalyzerConfig struct {
	Measurements MeasurementGetter
	Prediction   PredictionModel

	// SeasonalityMinCorrelation is the autocorrelation above which a lag
	// counts as a cycle.
	SeasonalityMinCorrelation float64
	// TrendSignificance is the relative slope (per sample, against the series
	// mean) above which a trend counts as significant.
	TrendSignificance float64
	// ZScoreSensitivity is the |z| threshold of the z-score anomaly detector.
	ZScoreSensitivity float64
	// CorrelationMinCoefficient is the minimum |r| for a correlation to be
	// reported at all.
	CorrelationMinCoefficient float64
	// PredictionHorizon is the number of future samples to forecast.
	PredictionHorizon int
	// MinSamples is the series length below which analysis is skipped.
	MinSamples int

	TimeNow func() time.Time
	Logger  log.Logger
}

func (c *AnalyzerConfig) defaults() error {
	if c.Measurements == nil {
		return fmt.Errorf("measurement getter is required")
	}
	if c.Prediction == nil {
		c.Prediction = MovingAverageModel{WindowSize: 5}
	}

	if c.SeasonalityMinCorrelation == 0 {
		c.SeasonalityMinCorrelation = 0.5
	}
	if c.TrendSignificance == 0 {
		c.TrendSignificance = 0.001
	}
	if c.ZScoreSensitivity == 0 {
		c.ZScoreSensitivity = 2
	}
	if c.CorrelationMinCoefficient == 0 {
		c.CorrelationMinCoefficient = 0.7
	}
	if c.PredictionHorizon == 0 {
		c.PredictionHorizon = 12
	}
	if c.MinSamples == 0 {
		c.MinSamples = 8
	}

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "analyze.Analyzer"})

	return nil
}

// Analyzer runs the statistical methods over stored series. Stateless.
type Analyzer struct {
	measurements MeasurementGetter
	prediction   PredictionModel

	seasonalityMinCorrelation float64
	trendSignificance         float64
	zScoreSensitivity         float64
	correlationMinCoefficient float64
	predictionHorizon         int
	minSamples                int

	timeNow func() time.Time
	logger  log.Logger
}

// NewAnalyzer returns a new historical analyzer.
func NewAnalyzer(config AnalyzerConfig) (*Analyzer, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Analyzer{
		measurements:              config.Measurements,
		prediction:                config.Prediction,
		seasonalityMinCorrelation: config.SeasonalityMinCorrelation,
		trendSignificance:         config.TrendSignificance,
		zScoreSensitivity:         config.ZScoreSensitivity,
		correlationMinCoefficient: config.CorrelationMinCoefficient,
		predictionHorizon:         config.PredictionHorizon,
		minSamples:                config.MinSamples,
		timeNow:                   config.TimeNow,
		logger:                    config.Logger,
	}, nil
}

// Request asks for an analysis of one SLA, optionally correlated against
// other SLA series.
type Request struct {
	SLAID          string
	Window         model.TimeWindow
	CorrelateSLAs  []string
	HigherIsBetter bool
}

// Analyze runs trend, seasonality, anomaly, correlation and prediction over
// the series of an SLA. Short series (below the configured minimum) return a
// result with only the sample count set, not an error.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	points, err := a.measurements.ListWindow(ctx, req.SLAID, req.Window)
	if err != nil {
		return nil, fmt.Errorf("could not list measurements: %w", err)
	}
	series := seriesOf(points)

	res := &Result{
		SLAID:       req.SLAID,
		Window:      req.Window,
		SampleCount: len(series),
		AnalyzedAt:  a.timeNow().UTC(),
	}
	if len(series) < a.minSamples {
		a.logger.WithCtxValues(ctx).WithValues(log.Kv{"sla": req.SLAID, "samples": len(series)}).
			Debugf("not enough samples for analysis")
		return res, nil
	}

	values := valuesOf(series)
	res.Trend = a.trend(values, req.HigherIsBetter)
	res.Seasonality = a.seasonality(values, seriesStep(series))
	res.Anomalies = a.anomalies(series)

	for _, other := range req.CorrelateSLAs {
		if other == req.SLAID {
			continue
		}
		corr, err := a.correlate(ctx, req.SLAID, other, req.Window, series)
		if err != nil {
			return nil, err
		}
		if corr != nil {
			res.Correlations = append(res.Correlations, *corr)
		}
	}

	predictions, err := a.prediction.Predict(ctx, values, a.predictionHorizon)
	if err != nil {
		return nil, fmt.Errorf("could not predict series: %w", err)
	}
	res.Predictions = predictions

	return res, nil
}

// trend fits OLS over the sample index and buckets the direction by the
// relative slope significance threshold.
func (a *Analyzer) trend(values []float64, higherIsBetter bool) *TrendResult {
	xs := make([]float64, len(values))
	for i := range values {
		xs[i] = float64(i)
	}
	slope, r2 := measure.OLS(xs, values)

	m := mean(values)
	relative := slope
	if m != 0 {
		relative = slope / math.Abs(m)
	}
	significant := math.Abs(relative) > a.trendSignificance

	direction := model.TrendStable
	if significant {
		improving := slope > 0
		if !higherIsBetter {
			improving = slope < 0
		}
		if improving {
			direction = model.TrendImproving
		} else {
			direction = model.TrendDegrading
		}
	}

	return &TrendResult{Slope: slope, R2: r2, Direction: direction, Significant: significant}
}

// seasonality scans autocorrelation over lags up to min(n/4, 168) and reports
// the best lag above the configured correlation threshold.
func (a *Analyzer) seasonality(values []float64, step time.Duration) *SeasonalityResult {
	maxLag := len(values) / 4
	if maxLag > 168 {
		maxLag = 168
	}

	res := &SeasonalityResult{}
	for lag := 2; lag <= maxLag; lag++ {
		c := autocorrelation(values, lag)
		if c >= a.seasonalityMinCorrelation && c > res.Correlation {
			res.Detected = true
			res.PeriodLags = lag
			res.Period = time.Duration(lag) * step
			res.Correlation = c
		}
	}

	return res
}

// anomalies runs the z-score and IQR detectors independently. A sample flagged
// by both is reported twice, once per detector.
func (a *Analyzer) anomalies(series []model.MeasurementPoint) []Anomaly {
	values := valuesOf(series)
	var res []Anomaly

	m := mean(values)
	sd := stddev(values, m)
	if sd > 0 {
		for _, p := range series {
			z := math.Abs(p.Value-m) / sd
			if z > a.zScoreSensitivity {
				res = append(res, Anomaly{
					Timestamp: p.Timestamp,
					Value:     p.Value,
					Expected:  m,
					Deviation: z,
					Severity:  deviationSeverity(z),
					Detector:  "zscore",
				})
			}
		}
	}

	q1, q3 := quartiles(values)
	iqr := q3 - q1
	if iqr > 0 {
		lo, hi := q1-1.5*iqr, q3+1.5*iqr
		for _, p := range series {
			if p.Value < lo || p.Value > hi {
				deviation := 0.0
				if sd > 0 {
					deviation = math.Abs(p.Value-m) / sd
				}
				res = append(res, Anomaly{
					Timestamp: p.Timestamp,
					Value:     p.Value,
					Expected:  m,
					Deviation: deviation,
					Severity:  deviationSeverity(deviation),
					Detector:  "iqr",
				})
			}
		}
	}

	return res
}

// correlate computes the Pearson coefficient between the SLA series and
// another SLA over the same window, aligned by timestamp. Coefficients below
// the configured minimum are not reported at all.
func (a *Analyzer) correlate(ctx context.Context, slaID, otherID string, window model.TimeWindow, series []model.MeasurementPoint) (*CorrelationResult, error) {
	otherPoints, err := a.measurements.ListWindow(ctx, otherID, window)
	if err != nil {
		return nil, fmt.Errorf("could not list measurements of %q: %w", otherID, err)
	}

	xs, ys := alignByTimestamp(series, seriesOf(otherPoints))
	if len(xs) < a.minSamples {
		return nil, nil
	}

	r := pearson(xs, ys)
	if math.Abs(r) < a.correlationMinCoefficient {
		return nil, nil
	}

	return &CorrelationResult{
		SLAID:       slaID,
		OtherSLAID:  otherID,
		Coefficient: r,
		SampleCount: len(xs),
	}, nil
}

// MovingAverageModel is the built-in prediction fallback: every forecast
// sample is the moving average of the trailing window, fed forward.
type MovingAverageModel struct {
	WindowSize int
}

// Predict implements PredictionModel.
func (m MovingAverageModel) Predict(_ context.Context, series []float64, horizon int) ([]float64, error) {
	if len(series) == 0 || horizon <= 0 {
		return nil, nil
	}

	window := m.WindowSize
	if window <= 0 {
		window = 5
	}

	extended := make([]float64, len(series), len(series)+horizon)
	copy(extended, series)

	res := make([]float64, 0, horizon)
	for i := 0; i < horizon; i++ {
		from := len(extended) - window
		if from < 0 {
			from = 0
		}
		next := mean(extended[from:])
		extended = append(extended, next)
		res = append(res, next)
	}

	return res, nil
}

func deviationSeverity(z float64) model.BreachSeverity {
	switch {
	case z > 3:
		return model.SeverityCritical
	case z > 2.5:
		return model.SeverityHigh
	case z > 2:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// autocorrelation is the lag-k sample autocorrelation of the series: the
// lag-truncated sum over the full-series variance, so a perfect cycle scores
// (n-lag)/n and the base period always beats its multiples.
func autocorrelation(values []float64, lag int) float64 {
	n := len(values)
	if lag <= 0 || lag >= n {
		return 0
	}

	m := mean(values)
	var num, den float64
	for i := 0; i < n; i++ {
		den += (values[i] - m) * (values[i] - m)
	}
	if den == 0 {
		return 0
	}
	for i := 0; i < n-lag; i++ {
		num += (values[i] - m) * (values[i+lag] - m)
	}

	return num / den
}

func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}

	mx, my := mean(xs), mean(ys)
	var num, dx, dy float64
	for i := 0; i < n; i++ {
		num += (xs[i] - mx) * (ys[i] - my)
		dx += (xs[i] - mx) * (xs[i] - mx)
		dy += (ys[i] - my) * (ys[i] - my)
	}
	if dx == 0 || dy == 0 {
		return 0
	}

	return num / math.Sqrt(dx*dy)
}

// alignByTimestamp pairs the values of two series on equal timestamps.
func alignByTimestamp(a, b []model.MeasurementPoint) (xs, ys []float64) {
	byTS := make(map[time.Time]float64, len(b))
	for _, p := range b {
		byTS[p.Timestamp] = p.Value
	}

	for _, p := range a {
		v, ok := byTS[p.Timestamp]
		if !ok {
			continue
		}
		xs = append(xs, p.Value)
		ys = append(ys, v)
	}

	return xs, ys
}

// seriesStep is the median gap between consecutive samples, used to translate
// a lag count into a duration.
func seriesStep(series []model.MeasurementPoint) time.Duration {
	if len(series) < 2 {
		return 0
	}

	gaps := make([]time.Duration, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		gaps = append(gaps, series[i].Timestamp.Sub(series[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })

	return gaps[len(gaps)/2]
}

func seriesOf(points []model.MeasurementPoint) []model.MeasurementPoint {
	res := make([]model.MeasurementPoint, 0, len(points))
	for _, p := range points {
		if p.Valid && !p.ExcludeFromCalculation {
			res = append(res, p)
		}
	}
	return res
}

func valuesOf(series []model.MeasurementPoint) []float64 {
	res := make([]float64, 0, len(series))
	for _, p := range series {
		res = append(res, p.Value)
	}
	return res
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var variance float64
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// quartiles returns Q1 and Q3 with linear interpolation.
func quartiles(values []float64) (q1, q3 float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return interp(sorted, 0.25), interp(sorted, 0.75)
}

func interp(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}

	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
