// Package score implements the weighted SLA compliance scoring: component
// scores, breach penalties, business context adjustment, bonuses and grades.
package score

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/measure"
	"github.com/slaguard/slaguard/internal/model"
)

// SLAGetter resolves SLA definitions.
type SLAGetter interface {
	GetSLA(ctx context.Context, id string) (*model.SLADefinition, error)
}

// MetricCalculator recomputes metrics over arbitrary windows.
type MetricCalculator interface {
	Calculate(ctx context.Context, def model.SLADefinition, window model.TimeWindow) (*model.SLAMetric, error)
}

// MeasurementGetter gives access to the raw points for variance computation.
type MeasurementGetter interface {
	ListWindow(ctx context.Context, slaID string, window model.TimeWindow) ([]model.MeasurementPoint, error)
}

// BreachLister gives access to the breach history of an SLA.
type BreachLister interface {
	ListBreachesSince(ctx context.Context, slaID string, since time.Time) ([]model.Breach, error)
}

// Weights are the component weights of the overall score. They must sum 1.
type Weights struct {
	Availability    float64
	Performance     float64
	Reliability     float64
	BreachImpact    float64
	BusinessContext float64
}

func (w Weights) sum() float64 {
	return w.Availability + w.Performance + w.Reliability + w.BreachImpact + w.BusinessContext
}

// BusinessContext adjusts the score to the business situation of the service.
type BusinessContext struct {
	// Criticality is one of low, medium, high, critical.
	Criticality string
	// BusinessHours marks the window as inside business hours.
	BusinessHours bool
	// SeasonalFactor scales the context component, 1 means no adjustment.
	SeasonalFactor float64
}

// GradeThresholds are the score cut lines of the letter grades.
type GradeThresholds struct {
	Excellent  float64
	Good       float64
	Acceptable float64
	Poor       float64
}

// Bonuses are the additive score bonuses. The final score is clamped to 100
// regardless of how many apply.
type Bonuses struct {
	// PerfectCompliance applies when the window has no breaches at all.
	PerfectCompliance float64
	// EarlyResolution applies when the mean time to resolve beats the target.
	EarlyResolution float64
	// ResolutionTarget is the mean time-to-resolve target of EarlyResolution.
	ResolutionTarget time.Duration
	// ProactiveAck applies when breaches were acknowledged before escalating.
	ProactiveAck float64
}

// ScorerConfig is the compliance scorer configuration.
type ScorerConfig struct {
	SLAs         SLAGetter
	Calculator   MetricCalculator
	Measurements MeasurementGetter
	Breaches     BreachLister
	Dispatcher   model.Dispatcher

	Weights             Weights
	BreachBasePenalty   float64
	SeverityMultipliers map[model.BreachSeverity]float64
	// DurationFactor is the exponential base of the breach duration buckets
	// (<15m, <1h, <4h, rest).
	DurationFactor float64
	Bonuses        Bonuses
	Grades         GradeThresholds
	TrendPeriods   []time.Duration
	// ConfigVersion is part of the cache key, bump it when the scoring
	// configuration changes so cached scores are recomputed.
	ConfigVersion int
	TimeNow       func() time.Time
	Logger        log.Logger
}

func (c *ScorerConfig) defaults() error {
	if c.SLAs == nil {
		return fmt.Errorf("SLA getter is required")
	}
	if c.Calculator == nil {
		return fmt.Errorf("metric calculator is required")
	}
	if c.Measurements == nil {
		return fmt.Errorf("measurement getter is required")
	}
	if c.Breaches == nil {
		return fmt.Errorf("breach lister is required")
	}
	if c.Dispatcher == nil {
		c.Dispatcher = model.NoopDispatcher
	}

	if c.Weights == (Weights{}) {
		c.Weights = Weights{
			Availability:    0.3,
			Performance:     0.2,
			Reliability:     0.2,
			BreachImpact:    0.2,
			BusinessContext: 0.1,
		}
	}
	if math.Abs(c.Weights.sum()-1) > 0.001 {
		return fmt.Errorf("component weights must sum 1.0, got %v", c.Weights.sum())
	}

	if c.BreachBasePenalty == 0 {
		c.BreachBasePenalty = 5
	}
	if c.SeverityMultipliers == nil {
		c.SeverityMultipliers = map[model.BreachSeverity]float64{
			model.SeverityLow:      0.5,
			model.SeverityMedium:   1,
			model.SeverityHigh:     2,
			model.SeverityCritical: 4,
		}
	}
	if c.DurationFactor == 0 {
		c.DurationFactor = 1.5
	}

	if c.Bonuses == (Bonuses{}) {
		c.Bonuses = Bonuses{
			PerfectCompliance: 2,
			EarlyResolution:   1.5,
			ResolutionTarget:  30 * time.Minute,
			ProactiveAck:      1,
		}
	}

	if c.Grades == (GradeThresholds{}) {
		c.Grades = GradeThresholds{Excellent: 95, Good: 85, Acceptable: 70, Poor: 50}
	}

	if len(c.TrendPeriods) == 0 {
		c.TrendPeriods = []time.Duration{7 * 24 * time.Hour, 30 * 24 * time.Hour, 90 * 24 * time.Hour}
	}

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "score.Scorer"})

	return nil
}

// Scorer computes compliance scores. Stateless apart from a read-through cache
// keyed by (SLA, window, config version).
type Scorer struct {
	slas         SLAGetter
	calculator   MetricCalculator
	measurements MeasurementGetter
	breaches     BreachLister
	dispatcher   model.Dispatcher

	weights             Weights
	breachBasePenalty   float64
	severityMultipliers map[model.BreachSeverity]float64
	durationFactor      float64
	bonuses             Bonuses
	grades              GradeThresholds
	trendPeriods        []time.Duration
	configVersion       int
	timeNow             func() time.Time
	logger              log.Logger

	mu    sync.RWMutex
	cache map[string]model.ComplianceScore
}

// NewScorer returns a new compliance scorer.
func NewScorer(config ScorerConfig) (*Scorer, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Scorer{
		slas:                config.SLAs,
		calculator:          config.Calculator,
		measurements:        config.Measurements,
		breaches:            config.Breaches,
		dispatcher:          config.Dispatcher,
		weights:             config.Weights,
		breachBasePenalty:   config.BreachBasePenalty,
		severityMultipliers: config.SeverityMultipliers,
		durationFactor:      config.DurationFactor,
		bonuses:             config.Bonuses,
		grades:              config.Grades,
		trendPeriods:        config.TrendPeriods,
		configVersion:       config.ConfigVersion,
		timeNow:             config.TimeNow,
		logger:              config.Logger,
		cache:               map[string]model.ComplianceScore{},
	}, nil
}

// Request asks for a compliance score of an SLA over a window with a business
// context.
type Request struct {
	SLAID   string
	Window  model.TimeWindow
	Context BusinessContext
}

// CalculateScore computes (or serves from cache) the compliance score of an
// SLA over a window. Unknown SLA IDs fail with a not found error. Windows
// without data yield a zero-confidence score, absence of data is itself
// meaningful and reportable.
func (s *Scorer) CalculateScore(ctx context.Context, req Request) (*model.ComplianceScore, error) {
	key := s.cacheKey(req)
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	def, err := s.slas.GetSLA(ctx, req.SLAID)
	if err != nil {
		return nil, err
	}

	score, err := s.calculate(ctx, *def, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = *score
	s.mu.Unlock()

	s.dispatcher.Dispatch(model.ScoreCalculatedEvent{Score: *score, At: s.timeNow().UTC()})

	return score, nil
}

func (s *Scorer) calculate(ctx context.Context, def model.SLADefinition, req Request) (*model.ComplianceScore, error) {
	base, components, err := s.baseScore(ctx, def, req.Window, req.Context)
	if err != nil {
		return nil, err
	}

	breaches, err := s.breaches.ListBreachesSince(ctx, def.ID, req.Window.From)
	if err != nil {
		return nil, fmt.Errorf("could not list breaches: %w", err)
	}
	windowBreaches := breachesInWindow(breaches, req.Window)

	overall := clamp(base+s.bonusFor(windowBreaches), 0, 100)

	trends, err := s.trends(ctx, def, req, base)
	if err != nil {
		return nil, err
	}

	return &model.ComplianceScore{
		SLAID:           def.ID,
		Window:          req.Window,
		Overall:         overall,
		Components:      components,
		Grade:           s.grade(overall),
		Trends:          trends,
		Recommendations: s.recommendations(components, windowBreaches, trends),
		CalculatedAt:    s.timeNow().UTC(),
	}, nil
}

// baseScore computes the weighted component sum without bonuses, so trend
// computation over historical windows doesn't compound bonuses.
func (s *Scorer) baseScore(ctx context.Context, def model.SLADefinition, window model.TimeWindow, bctx BusinessContext) (float64, []model.ScoreComponent, error) {
	metric, err := s.calculator.Calculate(ctx, def, window)
	if err != nil {
		return 0, nil, fmt.Errorf("could not calculate metric: %w", err)
	}

	points, err := s.measurements.ListWindow(ctx, def.ID, window)
	if err != nil {
		return 0, nil, fmt.Errorf("could not list measurements: %w", err)
	}

	breaches, err := s.breaches.ListBreachesSince(ctx, def.ID, window.From)
	if err != nil {
		return 0, nil, fmt.Errorf("could not list breaches: %w", err)
	}
	windowBreaches := breachesInWindow(breaches, window)

	confidence := sampleConfidence(metric.SampleCount)

	components := []model.ScoreComponent{
		{
			Name:       "availability",
			Score:      metric.CompliancePercentage,
			Weight:     s.weights.Availability,
			Confidence: confidence,
		},
		{
			Name:       "performance",
			Score:      stabilityScore(points),
			Weight:     s.weights.Performance,
			Confidence: confidence,
		},
		{
			Name:       "reliability",
			Score:      reliabilityScore(def, points),
			Weight:     s.weights.Reliability,
			Confidence: confidence,
		},
		{
			Name:       "breach_impact",
			Score:      s.breachImpactScore(windowBreaches),
			Weight:     s.weights.BreachImpact,
			Confidence: 1,
		},
		{
			Name:       "business_context",
			Score:      businessContextScore(bctx),
			Weight:     s.weights.BusinessContext,
			Confidence: 1,
		},
	}

	var total float64
	for _, c := range components {
		total += c.Score * c.Weight
	}

	return clamp(total, 0, 100), components, nil
}

// breachImpactScore starts at 100 and subtracts one penalty per breach scaled
// by severity and an exponential duration bucket factor, floored at 0.
func (s *Scorer) breachImpactScore(breaches []model.Breach) float64 {
	res := 100.0
	now := s.timeNow().UTC()
	for _, b := range breaches {
		end := now
		if b.EndTime != nil {
			end = *b.EndTime
		}
		bucket := durationBucket(end.Sub(b.StartTime))
		res -= s.breachBasePenalty * s.severityMultipliers[b.Severity] * math.Pow(s.durationFactor, float64(bucket))
	}

	return clamp(res, 0, 100)
}

func (s *Scorer) bonusFor(breaches []model.Breach) float64 {
	if len(breaches) == 0 {
		return s.bonuses.PerfectCompliance
	}

	var bonus float64

	// Early resolution: mean time to resolve beats the target.
	var resolved int
	var totalResolution time.Duration
	for _, b := range breaches {
		if b.Status == model.BreachStatusResolved && b.ResolvedAt != nil {
			resolved++
			totalResolution += b.ResolvedAt.Sub(b.StartTime)
		}
	}
	if resolved > 0 && totalResolution/time.Duration(resolved) < s.bonuses.ResolutionTarget {
		bonus += s.bonuses.EarlyResolution
	}

	// Proactive action: every breach acknowledged before it escalated.
	proactive := true
	for _, b := range breaches {
		if b.AcknowledgedAt == nil {
			proactive = false
			break
		}
		for _, e := range b.Escalations {
			if e.EscalatedAt.Before(*b.AcknowledgedAt) {
				proactive = false
			}
		}
	}
	if proactive {
		bonus += s.bonuses.ProactiveAck
	}

	return bonus
}

func (s *Scorer) trends(ctx context.Context, def model.SLADefinition, req Request, current float64) ([]model.ScoreTrend, error) {
	trends := make([]model.ScoreTrend, 0, len(s.trendPeriods))
	duration := req.Window.Duration()

	for _, period := range s.trendPeriods {
		histWindow := model.TimeWindow{
			From: req.Window.From.Add(-period),
			To:   req.Window.From.Add(-period).Add(duration),
		}

		hist, components, err := s.baseScore(ctx, def, histWindow, req.Context)
		if err != nil {
			return nil, fmt.Errorf("could not compute historical score: %w", err)
		}

		confidence := 0.0
		for _, c := range components {
			if c.Name == "availability" {
				confidence = c.Confidence
			}
		}

		delta := current - hist
		direction := model.TrendStable
		switch {
		case confidence == 0:
			// No historical data, no direction claim.
		case delta > 1:
			direction = model.TrendImproving
		case delta < -1:
			direction = model.TrendDegrading
		}

		trends = append(trends, model.ScoreTrend{
			Period:     period,
			Delta:      delta,
			Direction:  direction,
			Confidence: confidence,
		})
	}

	return trends, nil
}

func (s *Scorer) grade(score float64) string {
	switch {
	case score >= 98:
		return "A+"
	case score >= s.grades.Excellent:
		return "A"
	case score >= s.grades.Good:
		return "B"
	case score >= s.grades.Acceptable:
		return "C"
	case score >= s.grades.Poor:
		return "D"
	}
	return "F"
}

func (s *Scorer) recommendations(components []model.ScoreComponent, breaches []model.Breach, trends []model.ScoreTrend) []string {
	var res []string

	for _, c := range components {
		if c.Confidence == 0 {
			res = append(res, "not enough measurement data in the window, score confidence is zero")
			break
		}
	}

	critical := 0
	for _, b := range breaches {
		if b.Severity == model.SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		res = append(res, fmt.Sprintf("%d critical breaches in the window, review capacity and alerting thresholds", critical))
	}

	for _, t := range trends {
		if t.Direction == model.TrendDegrading {
			res = append(res, fmt.Sprintf("score degraded %.1f points against %s ago", -t.Delta, t.Period))
			break
		}
	}

	return res
}

// cacheKey identifies a score by SLA, window and configuration version. The
// business context is not part of the key: the first request for a window
// fixes its cached score until the configuration version is bumped.
func (s *Scorer) cacheKey(req Request) string {
	return fmt.Sprintf("%s|%d|%d|%d", req.SLAID, req.Window.From.Unix(), req.Window.To.Unix(), s.configVersion)
}

// durationBucket buckets a breach duration: <15m, <1h, <4h and the rest.
func durationBucket(d time.Duration) int {
	switch {
	case d < 15*time.Minute:
		return 0
	case d < time.Hour:
		return 1
	case d < 4*time.Hour:
		return 2
	}
	return 3
}

// stabilityScore penalizes measurement variance: 100 means a perfectly flat
// series, high relative dispersion drives it to 0.
func stabilityScore(points []model.MeasurementPoint) float64 {
	values := validValues(points)
	if len(values) < 2 {
		return 0
	}

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	cv := math.Sqrt(variance) / math.Abs(mean)

	return clamp(100*(1-cv), 0, 100)
}

// reliabilityScore is the share of individual samples that meet the target on
// their own.
func reliabilityScore(def model.SLADefinition, points []model.MeasurementPoint) float64 {
	values := validValues(points)
	if len(values) == 0 {
		return 0
	}

	meeting := 0
	for _, v := range values {
		if measure.Compliance(v, def.TargetValue, def.MetricType.HigherIsBetter()) >= 100 {
			meeting++
		}
	}

	return 100 * float64(meeting) / float64(len(values))
}

// businessContextScore is 100 scaled by criticality, business hours and the
// seasonal factor. More critical contexts make the same behavior score lower.
func businessContextScore(bctx BusinessContext) float64 {
	multiplier := 1.0
	switch bctx.Criticality {
	case "critical":
		multiplier = 0.85
	case "high":
		multiplier = 0.9
	case "medium":
		multiplier = 0.95
	}

	if bctx.BusinessHours {
		multiplier *= 0.95
	}

	if bctx.SeasonalFactor > 0 {
		multiplier *= bctx.SeasonalFactor
	}

	return clamp(100*multiplier, 0, 100)
}

func sampleConfidence(n int) float64 {
	return clamp(float64(n)/30, 0, 1)
}

func validValues(points []model.MeasurementPoint) []float64 {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Valid && !p.ExcludeFromCalculation {
			values = append(values, p.Value)
		}
	}
	return values
}

func breachesInWindow(breaches []model.Breach, window model.TimeWindow) []model.Breach {
	res := make([]model.Breach, 0, len(breaches))
	for _, b := range breaches {
		if window.Contains(b.StartTime) {
			res = append(res, b)
		}
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
