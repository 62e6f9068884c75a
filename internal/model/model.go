package model

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/slaguard/slaguard/internal/errors"
)

// MetricType is the kind of service metric an SLA targets.
type MetricType string

const (
	MetricTypeAvailability MetricType = "availability"
	MetricTypeResponseTime MetricType = "response_time"
	MetricTypeThroughput   MetricType = "throughput"
	MetricTypeErrorRate    MetricType = "error_rate"
	MetricTypeUptime       MetricType = "uptime"
	MetricTypeSuccessRate  MetricType = "success_rate"
	MetricTypeCustom       MetricType = "custom"
)

// HigherIsBetter returns the polarity of the metric type: for availability-like
// metrics bigger values are better, for latency/error-like metrics smaller
// values are better. Compliance and breach evaluation depend on this.
func (m MetricType) HigherIsBetter() bool {
	switch m {
	case MetricTypeResponseTime, MetricTypeErrorRate:
		return false
	}
	return true
}

// AggregationMethod is the statistic used to collapse the raw measurements of a
// time window into a single metric value.
type AggregationMethod string

const (
	AggregationAvg        AggregationMethod = "avg"
	AggregationMin        AggregationMethod = "min"
	AggregationMax        AggregationMethod = "max"
	AggregationSum        AggregationMethod = "sum"
	AggregationCount      AggregationMethod = "count"
	AggregationPercentile AggregationMethod = "percentile"
)

// Thresholds are the ordered severity bands of an SLA, expressed in the same
// units as the compliance percentage. Monotonicity
// (critical < warning <= target <= excellent) is validated on registration.
type Thresholds struct {
	Target     float64 `validate:"gt=0"`
	Warning    float64 `validate:"gt=0"`
	Critical   float64 `validate:"gt=0"`
	Escalation float64
	Acceptable float64
	Excellent  float64
}

// MeasurementConfig configures how measurements are collected and aggregated.
type MeasurementConfig struct {
	Frequency     time.Duration     `validate:"required"`
	Aggregation   AggregationMethod `validate:"omitempty,oneof=avg min max sum count percentile"`
	Percentile    float64           `validate:"gte=0,lte=100"`
	DataSource    string
	RetentionDays int `validate:"gte=0"`
	// MinValid and MaxValid bound the raw measurement values considered
	// plausible at collection time. Out-of-range points are kept flagged with
	// ExcludeFromCalculation instead of being discarded.
	MinValid *float64
	MaxValid *float64
}

// SLADefinition is a named target for a measurable service metric. It is owned
// by the registry and referenced by value everywhere else, other components
// never mutate it. Updates go through the registry and increment Version.
type SLADefinition struct {
	ID          string `validate:"required,name"`
	ServiceID   string `validate:"required,name"`
	Name        string `validate:"required"`
	Description string
	MetricType  MetricType `validate:"required,oneof=availability response_time throughput error_rate uptime success_rate custom"`
	TargetValue float64    `validate:"gt=0"`
	Unit        string
	Thresholds  Thresholds
	Measurement MeasurementConfig
	TimeWindow  time.Duration `validate:"required"`
	Active      bool
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate validates the SLA definition, returning a ValidationError with
// field level details when it is invalid.
func (s SLADefinition) Validate() error {
	err := modelValidate.Struct(s)
	if err == nil {
		return nil
	}

	valErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.NewValidationError(err.Error())
	}

	fields := make([]apperrors.FieldError, 0, len(valErrs))
	for _, ve := range valErrs {
		fields = append(fields, apperrors.FieldError{
			Field:  ve.Namespace(),
			Reason: ve.Tag(),
		})
	}

	return apperrors.NewValidationError("invalid SLA definition", fields...)
}

// MeasurementPoint is a single time-stamped raw measurement for an SLA.
// Append-only: created once per polling tick and never mutated afterwards.
// Invalid points are kept flagged with an exclusion reason instead of being
// discarded, so the audit trail survives.
type MeasurementPoint struct {
	SLAID                  string
	Timestamp              time.Time
	Value                  float64
	Unit                   string
	Valid                  bool
	ExcludeFromCalculation bool
	ExclusionReason        string
	Tags                   map[string]string
}

// TimeWindow is a closed time range.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

func (w TimeWindow) Duration() time.Duration { return w.To.Sub(w.From) }

// Contains returns true if t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// MetricStatus is the compliance state derived from a calculated metric.
type MetricStatus string

const (
	MetricStatusCompliant   MetricStatus = "compliant"
	MetricStatusAtRisk      MetricStatus = "at_risk"
	MetricStatusBreached    MetricStatus = "breached"
	MetricStatusUnknown     MetricStatus = "unknown"
	MetricStatusMaintenance MetricStatus = "maintenance"
)

// TrendDirection buckets the slope of a series.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// Trend is a linear regression result over a measurement window.
type Trend struct {
	Direction  TrendDirection
	Slope      float64
	Confidence float64
}

// SLAMetric is the derived compliance metric of an SLA over a time window.
// There is a single "current" metric per SLA, overwritten on every
// recalculation, historical metrics are recomputed on demand.
type SLAMetric struct {
	SLAID                string
	Window               TimeWindow
	CurrentValue         float64
	TargetValue          float64
	CompliancePercentage float64
	Status               MetricStatus
	Trend                *Trend
	BreachIDs            []string
	SampleCount          int
	CalculatedAt         time.Time
}

// ThresholdBand identifies one of the ordered severity bands of an SLA.
type ThresholdBand string

const (
	BandTarget     ThresholdBand = "target"
	BandWarning    ThresholdBand = "warning"
	BandCritical   ThresholdBand = "critical"
	BandEscalation ThresholdBand = "escalation"
	BandAcceptable ThresholdBand = "acceptable"
	BandExcellent  ThresholdBand = "excellent"
)

// BreachSeverity is the severity assigned to a breach from its threshold band.
type BreachSeverity string

const (
	SeverityLow      BreachSeverity = "low"
	SeverityMedium   BreachSeverity = "medium"
	SeverityHigh     BreachSeverity = "high"
	SeverityCritical BreachSeverity = "critical"
)

// SeverityForBand maps a breached threshold band to a breach severity.
func SeverityForBand(band ThresholdBand) BreachSeverity {
	switch band {
	case BandCritical:
		return SeverityCritical
	case BandEscalation:
		return SeverityHigh
	case BandWarning:
		return SeverityMedium
	}
	return SeverityLow
}

// severityRank orders severities so pattern analysis can pick the max.
var severityRank = map[BreachSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the highest of two severities.
func MaxSeverity(a, b BreachSeverity) BreachSeverity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}

// BreachStatus is the lifecycle state of a breach.
type BreachStatus string

const (
	BreachStatusActive       BreachStatus = "active"
	BreachStatusAcknowledged BreachStatus = "acknowledged"
	BreachStatusResolved     BreachStatus = "resolved"
)

// Breach is a period during which an SLA's measured value fails a threshold
// band. There is exactly one active breach per (SLA, band) at any time, the
// detector updates it in place while the condition persists. Resolution is
// always explicit, a healthy metric never closes a breach on its own.
type Breach struct {
	ID             string
	SLAID          string
	Band           ThresholdBand
	Severity       BreachSeverity
	StartTime      time.Time
	EndTime        *time.Time
	ActualValue    float64
	TargetValue    float64
	ImpactPercent  float64
	Status         BreachStatus
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	AckComment     string
	ResolvedBy     string
	ResolvedAt     *time.Time
	Resolution     string
	Duration       time.Duration
	Escalations    []Escalation
}

// Escalation is an automatic notification level increase on an unresolved
// breach. Levels increase monotonically from 1 and are only created by the
// escalation timeout check, never directly by users.
type Escalation struct {
	BreachID    string
	Level       int
	EscalatedAt time.Time
	EscalatedTo []string
	Reason      string
	Auto        bool
}

// PatternKind classifies a detected breach pattern.
type PatternKind string

const (
	PatternFrequent   PatternKind = "frequent"
	PatternRecurring  PatternKind = "recurring"
	PatternPersistent PatternKind = "persistent"
)

// BreachPattern is the result of analyzing breach history over a trailing
// window.
type BreachPattern struct {
	SLAID       string
	Kind        PatternKind
	Severity    BreachSeverity
	BreachIDs   []string
	Window      TimeWindow
	Description string
}

// ScoreComponent is one weighted part of a compliance score.
type ScoreComponent struct {
	Name       string
	Score      float64
	Weight     float64
	Confidence float64
}

// ScoreTrend is a score delta over a historical period.
type ScoreTrend struct {
	Period     time.Duration
	Delta      float64
	Direction  TrendDirection
	Confidence float64
}

// ComplianceScore is a weighted, penalty and bonus adjusted score of an SLA
// over a time window. Always in [0, 100]. Recomputable, safe to cache.
type ComplianceScore struct {
	SLAID           string
	Window          TimeWindow
	Overall         float64
	Components      []ScoreComponent
	Grade           string
	Trends          []ScoreTrend
	Recommendations []string
	CalculatedAt    time.Time
}

// NotificationIntent is what the engine emits instead of delivering
// notifications itself: recipient, channel and content, transport is an
// external collaborator concern.
type NotificationIntent struct {
	ID         string
	SLAID      string
	Channel    string
	Recipients []string
	Subject    string
	Body       string
	CreatedAt  time.Time
	Attempts   int
	Delivered  bool
	LastError  string
}

var modelValidate = func() *validator.Validate {
	v := validator.New()
	mustRegisterValidation(v, "name", validateName)
	v.RegisterStructValidation(validateThresholds, SLADefinition{})
	return v
}()

// mustRegisterValidation is a helper so we panic on start if we can't register a validator.
func mustRegisterValidation(v *validator.Validate, tag string, fn validator.Func) {
	err := v.RegisterValidation(tag, fn)
	if err != nil {
		panic(err)
	}
}

// Names must:
// - Start and end with an alphanumeric.
// - Contain alphanumeric, `.`, '_', and '-'.
var nameRegexp = regexp.MustCompile("^[A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?$")

// validateName implements validator.CustomTypeFunc by validating a regular name.
func validateName(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}

	return nameRegexp.MatchString(s)
}

// validateThresholds checks the severity band ordering of an SLA definition:
// critical < warning <= target <= excellent in badness order. For
// lower-is-better metrics the numeric ordering inverts, critical is the
// numerically highest band.
func validateThresholds(sl validator.StructLevel) {
	def, ok := sl.Current().Interface().(SLADefinition)
	if !ok {
		return
	}

	t := def.Thresholds
	if def.MetricType.HigherIsBetter() {
		if t.Critical >= t.Warning {
			sl.ReportError(t.Critical, "Thresholds.Critical", "Critical", "threshold_order", "")
		}
		if t.Warning > t.Target {
			sl.ReportError(t.Warning, "Thresholds.Warning", "Warning", "threshold_order", "")
		}
		if t.Excellent != 0 && t.Target > t.Excellent {
			sl.ReportError(t.Excellent, "Thresholds.Excellent", "Excellent", "threshold_order", "")
		}
	} else {
		if t.Critical <= t.Warning {
			sl.ReportError(t.Critical, "Thresholds.Critical", "Critical", "threshold_order", "")
		}
		if t.Warning < t.Target {
			sl.ReportError(t.Warning, "Thresholds.Warning", "Warning", "threshold_order", "")
		}
		if t.Excellent != 0 && t.Target < t.Excellent {
			sl.ReportError(t.Excellent, "Thresholds.Excellent", "Excellent", "threshold_order", "")
		}
	}
	if def.Measurement.Frequency <= 0 {
		sl.ReportError(def.Measurement.Frequency, "Measurement.Frequency", "Frequency", "gt", "")
	}
	if def.Measurement.Aggregation == AggregationPercentile && def.Measurement.Percentile <= 0 {
		sl.ReportError(def.Measurement.Percentile, "Measurement.Percentile", "Percentile", "required_with_percentile", "")
	}
}
