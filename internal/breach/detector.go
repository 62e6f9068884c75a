// Package breach implements SLA breach detection and the breach lifecycle:
// rule evaluation against calculated metrics, active breach deduplication,
// acknowledge/resolve transitions and time based escalation.
package breach

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/model"
)

// Repository knows how to store and index breaches.
type Repository interface {
	StoreBreach(ctx context.Context, breach model.Breach) error
	UpdateBreach(ctx context.Context, breach model.Breach) error
	GetBreach(ctx context.Context, id string) (*model.Breach, error)
	GetActiveBreach(ctx context.Context, slaID string, band model.ThresholdBand) (*model.Breach, error)
	ListActiveBreaches(ctx context.Context, slaID string) ([]model.Breach, error)
	ListBreachesSince(ctx context.Context, slaID string, since time.Time) ([]model.Breach, error)
}

// MeasurementGetter gives access to the latest raw measurements, used by the
// consecutive-failure rules that act on raw samples instead of the aggregate.
type MeasurementGetter interface {
	LastN(ctx context.Context, slaID string, n int) ([]model.MeasurementPoint, error)
}

// Notifier receives the notification intents the detector emits. Delivery is
// an external collaborator concern.
type Notifier interface {
	Enqueue(ctx context.Context, intent model.NotificationIntent) error
}

type noopNotifier int

func (noopNotifier) Enqueue(ctx context.Context, intent model.NotificationIntent) error { return nil }

// Rule is a detection rule bound to one of the SLA threshold bands.
type Rule struct {
	Band model.ThresholdBand
	// ConsecutiveFailures is how many of the latest raw measurements must all
	// breach before a breach is raised. 0 or 1 acts on the aggregate only.
	// Prevents flapping on noisy single samples.
	ConsecutiveFailures int
	// Grace is how long the condition must persist before the breach record is
	// created. Conditions clearing before the grace period leave no trace.
	Grace time.Duration
}

// DetectorConfig is the breach detector configuration.
type DetectorConfig struct {
	Repository   Repository
	Measurements MeasurementGetter
	Dispatcher   model.Dispatcher
	Notifier     Notifier
	// Rules are the active detection rules. Default: critical and warning
	// bands acting on the aggregate.
	Rules []Rule
	// AutoEscalate enables the escalation timeout check on every evaluation.
	AutoEscalate bool
	// EscalationTimeouts is the time budget per severity before an active
	// breach escalates to the next level.
	EscalationTimeouts map[model.BreachSeverity]time.Duration
	// EscalationContacts maps escalation levels to recipients. Missing levels
	// fall back to DefaultRecipients.
	EscalationContacts map[int][]string
	DefaultRecipients  []string
	// PatternWindow is the trailing window for breach pattern analysis.
	PatternWindow time.Duration
	TimeNow       func() time.Time
	Logger        log.Logger
}

func (c *DetectorConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("breach repository is required")
	}

	if c.Measurements == nil {
		return fmt.Errorf("measurement getter is required")
	}

	if c.Dispatcher == nil {
		c.Dispatcher = model.NoopDispatcher
	}

	if c.Notifier == nil {
		c.Notifier = noopNotifier(0)
	}

	if len(c.Rules) == 0 {
		c.Rules = []Rule{
			{Band: model.BandCritical},
			{Band: model.BandWarning},
		}
	}

	if c.EscalationTimeouts == nil {
		c.EscalationTimeouts = map[model.BreachSeverity]time.Duration{
			model.SeverityCritical: 15 * time.Minute,
			model.SeverityHigh:     30 * time.Minute,
			model.SeverityMedium:   time.Hour,
			model.SeverityLow:      4 * time.Hour,
		}
	}

	if c.PatternWindow == 0 {
		c.PatternWindow = 7 * 24 * time.Hour
	}

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	// Most severe bands are evaluated first.
	sort.SliceStable(c.Rules, func(i, j int) bool {
		si := model.SeverityForBand(c.Rules[i].Band)
		sj := model.SeverityForBand(c.Rules[j].Band)
		return model.MaxSeverity(si, sj) == si && si != sj
	})

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "breach.Detector"})

	return nil
}

// Detector evaluates detection rules against calculated metrics and owns the
// breach lifecycle. State transitions for the same breach are serialized, two
// concurrent acknowledge/resolve calls can't race.
type Detector struct {
	repo       Repository
	meas       MeasurementGetter
	dispatcher model.Dispatcher
	notifier   Notifier
	rules      []Rule

	autoEscalate       bool
	escalationTimeouts map[model.BreachSeverity]time.Duration
	escalationContacts map[int][]string
	defaultRecipients  []string

	patternWindow time.Duration
	timeNow       func() time.Time
	logger        log.Logger

	// mu serializes breach mutations and guards the grace pending index.
	mu sync.Mutex
	// pending tracks when a still-in-grace breaching condition was first seen.
	pending map[string]map[model.ThresholdBand]time.Time
}

// NewDetector returns a new breach detector.
func NewDetector(config DetectorConfig) (*Detector, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Detector{
		repo:               config.Repository,
		meas:               config.Measurements,
		dispatcher:         config.Dispatcher,
		notifier:           config.Notifier,
		rules:              config.Rules,
		autoEscalate:       config.AutoEscalate,
		escalationTimeouts: config.EscalationTimeouts,
		escalationContacts: config.EscalationContacts,
		defaultRecipients:  config.DefaultRecipients,
		patternWindow:      config.PatternWindow,
		timeNow:            config.TimeNow,
		logger:             config.Logger,
		pending:            map[string]map[model.ThresholdBand]time.Time{},
	}, nil
}

// DetectBreaches evaluates the active rules against the metric in severity
// order and returns the breach that is active after the evaluation (created or
// updated in place). The most severe breaching band claims the evaluation, a
// single bad value never raises one breach per band it crosses. Metrics with
// unknown status are skipped, no data is not a breach.
func (d *Detector) DetectBreaches(ctx context.Context, def model.SLADefinition, metric model.SLAMetric) ([]model.Breach, error) {
	if metric.Status == model.MetricStatusUnknown {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var result []model.Breach
	claimed := false
	for _, rule := range d.rules {
		threshold, ok := thresholdFor(def.Thresholds, rule.Band)
		if !ok {
			continue
		}

		rawBreaching := valueBreaches(metric.CurrentValue, threshold, def.MetricType.HigherIsBetter())
		if !rawBreaching {
			delete(d.pending[def.ID], rule.Band)
			continue
		}
		if claimed {
			continue
		}
		claimed = true

		breaching, err := d.ruleBreaching(ctx, def, metric, rule, threshold)
		if err != nil {
			return nil, err
		}
		if !breaching || !d.gracePassed(def.ID, rule) {
			continue
		}

		breach, err := d.processBreach(ctx, def, rule.Band, metric)
		if err != nil {
			return nil, fmt.Errorf("could not process %q band breach: %w", rule.Band, err)
		}
		result = append(result, *breach)
	}

	return result, nil
}

// ruleBreaching evaluates a single rule. The raw value is compared against the
// raw threshold with the metric polarity, this is equivalent to comparing
// compliance percentages because compliance is monotonic on the value.
func (d *Detector) ruleBreaching(ctx context.Context, def model.SLADefinition, metric model.SLAMetric, rule Rule, threshold float64) (bool, error) {
	higher := def.MetricType.HigherIsBetter()
	if !valueBreaches(metric.CurrentValue, threshold, higher) {
		return false, nil
	}

	if rule.ConsecutiveFailures <= 1 {
		return true, nil
	}

	// The aggregate breaches, now the last N raw samples must all breach too.
	points, err := d.meas.LastN(ctx, def.ID, rule.ConsecutiveFailures)
	if err != nil {
		return false, fmt.Errorf("could not get latest measurements: %w", err)
	}
	if len(points) < rule.ConsecutiveFailures {
		return false, nil
	}
	for _, p := range points {
		if !valueBreaches(p.Value, threshold, higher) {
			return false, nil
		}
	}

	return true, nil
}

// gracePassed tracks the first time a breaching condition was seen for a band
// and reports whether it has persisted beyond the rule grace period.
func (d *Detector) gracePassed(slaID string, rule Rule) bool {
	if rule.Grace == 0 {
		return true
	}

	byBand, ok := d.pending[slaID]
	if !ok {
		byBand = map[model.ThresholdBand]time.Time{}
		d.pending[slaID] = byBand
	}

	firstSeen, ok := byBand[rule.Band]
	if !ok {
		byBand[rule.Band] = d.timeNow()
		return false
	}

	return d.timeNow().Sub(firstSeen) >= rule.Grace
}

// processBreach updates the existing active breach of the (SLA, band) pair in
// place or creates and indexes a new one. It always emits a notification
// intent and, when enabled, runs the escalation check.
func (d *Detector) processBreach(ctx context.Context, def model.SLADefinition, band model.ThresholdBand, metric model.SLAMetric) (*model.Breach, error) {
	now := d.timeNow().UTC()
	impact := 100 - metric.CompliancePercentage

	existing, err := d.repo.GetActiveBreach(ctx, def.ID, band)
	if err != nil {
		return nil, fmt.Errorf("could not get active breach: %w", err)
	}

	var breach model.Breach
	if existing != nil {
		// Same logical breach still firing: update, don't duplicate.
		breach = *existing
		breach.EndTime = &now
		breach.ActualValue = metric.CurrentValue
		breach.ImpactPercent = impact
		err = d.repo.UpdateBreach(ctx, breach)
		if err != nil {
			return nil, fmt.Errorf("could not update breach: %w", err)
		}
	} else {
		breach = model.Breach{
			ID:            uuid.NewString(),
			SLAID:         def.ID,
			Band:          band,
			Severity:      model.SeverityForBand(band),
			StartTime:     now,
			ActualValue:   metric.CurrentValue,
			TargetValue:   def.TargetValue,
			ImpactPercent: impact,
			Status:        model.BreachStatusActive,
		}
		err = d.repo.StoreBreach(ctx, breach)
		if err != nil {
			return nil, fmt.Errorf("could not store breach: %w", err)
		}

		d.logger.WithValues(log.Kv{"sla": def.ID, "band": band, "severity": breach.Severity}).Infof("Breach detected")
		d.dispatcher.Dispatch(model.BreachDetectedEvent{Breach: breach, At: now})
	}

	err = d.notifier.Enqueue(ctx, d.breachIntent(def, breach))
	if err != nil {
		d.logger.WithCtxValues(ctx).Errorf("Could not enqueue breach notification: %s", err)
	}

	if d.autoEscalate {
		updated, err := d.checkEscalation(ctx, def, breach)
		if err != nil {
			return nil, err
		}
		breach = *updated
	}

	return &breach, nil
}

// checkEscalation escalates an active breach whose age exceeded the severity
// time budget. Level N fires once the age is over N times the budget, so an
// unresolved breach keeps climbing levels on subsequent checks.
func (d *Detector) checkEscalation(ctx context.Context, def model.SLADefinition, breach model.Breach) (*model.Breach, error) {
	if breach.Status != model.BreachStatusActive {
		return &breach, nil
	}

	timeout, ok := d.escalationTimeouts[breach.Severity]
	if !ok || timeout <= 0 {
		return &breach, nil
	}

	now := d.timeNow().UTC()
	age := now.Sub(breach.StartTime)
	nextLevel := len(breach.Escalations) + 1
	if age <= time.Duration(nextLevel)*timeout {
		return &breach, nil
	}

	escalation := model.Escalation{
		BreachID:    breach.ID,
		Level:       nextLevel,
		EscalatedAt: now,
		EscalatedTo: d.recipientsFor(nextLevel),
		Reason:      fmt.Sprintf("breach unresolved after %s", age.Truncate(time.Second)),
		Auto:        true,
	}
	breach.Escalations = append(breach.Escalations, escalation)

	err := d.repo.UpdateBreach(ctx, breach)
	if err != nil {
		return nil, fmt.Errorf("could not store escalation: %w", err)
	}

	d.logger.WithValues(log.Kv{"breach": breach.ID, "level": nextLevel}).Warningf("Breach escalated")
	d.dispatcher.Dispatch(model.BreachEscalatedEvent{Breach: breach, Escalation: escalation, At: now})

	err = d.notifier.Enqueue(ctx, model.NotificationIntent{
		ID:         uuid.NewString(),
		SLAID:      breach.SLAID,
		Channel:    "escalation",
		Recipients: escalation.EscalatedTo,
		Subject:    fmt.Sprintf("SLA %s breach escalated to level %d", breach.SLAID, nextLevel),
		Body:       escalation.Reason,
		CreatedAt:  now,
	})
	if err != nil {
		d.logger.WithCtxValues(ctx).Errorf("Could not enqueue escalation notification: %s", err)
	}

	return &breach, nil
}

// AcknowledgeBreach transitions an active breach to acknowledged, recording
// who and when. Acknowledged breaches stop escalating.
func (d *Detector) AcknowledgeBreach(ctx context.Context, breachID, userID, comment string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	breach, err := d.repo.GetBreach(ctx, breachID)
	if err != nil {
		return err
	}

	if breach.Status == model.BreachStatusResolved {
		return apperrors.NewValidationError("resolved breaches can't be acknowledged")
	}

	now := d.timeNow().UTC()
	breach.Status = model.BreachStatusAcknowledged
	breach.AcknowledgedBy = userID
	breach.AcknowledgedAt = &now
	breach.AckComment = comment

	err = d.repo.UpdateBreach(ctx, *breach)
	if err != nil {
		return fmt.Errorf("could not update breach: %w", err)
	}

	d.dispatcher.Dispatch(model.BreachAcknowledgedEvent{Breach: *breach, At: now})

	return nil
}

// ResolveBreach transitions a breach to resolved (terminal), closing its
// duration window and dropping it from the active index.
func (d *Detector) ResolveBreach(ctx context.Context, breachID, userID, resolution string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	breach, err := d.repo.GetBreach(ctx, breachID)
	if err != nil {
		return err
	}

	if breach.Status == model.BreachStatusResolved {
		return apperrors.NewValidationError("breach is already resolved")
	}

	now := d.timeNow().UTC()
	breach.Status = model.BreachStatusResolved
	breach.ResolvedBy = userID
	breach.ResolvedAt = &now
	breach.Resolution = resolution
	breach.EndTime = &now
	breach.Duration = now.Sub(breach.StartTime)

	err = d.repo.UpdateBreach(ctx, *breach)
	if err != nil {
		return fmt.Errorf("could not update breach: %w", err)
	}

	delete(d.pending[breach.SLAID], breach.Band)
	d.dispatcher.Dispatch(model.BreachResolvedEvent{Breach: *breach, At: now})

	return nil
}

// GetActiveBreaches returns all non-resolved breaches, optionally filtered by
// SLA ID.
func (d *Detector) GetActiveBreaches(ctx context.Context, slaID string) ([]model.Breach, error) {
	return d.repo.ListActiveBreaches(ctx, slaID)
}

func (d *Detector) breachIntent(def model.SLADefinition, breach model.Breach) model.NotificationIntent {
	return model.NotificationIntent{
		ID:         uuid.NewString(),
		SLAID:      def.ID,
		Channel:    "breach",
		Recipients: d.recipientsFor(0),
		Subject:    fmt.Sprintf("SLA %s %s threshold breached", def.Name, breach.Band),
		Body: fmt.Sprintf("Measured %.4f %s against target %.4f %s (impact %.2f%%)",
			breach.ActualValue, def.Unit, breach.TargetValue, def.Unit, breach.ImpactPercent),
		CreatedAt: breach.StartTime,
	}
}

func (d *Detector) recipientsFor(level int) []string {
	recipients, ok := d.escalationContacts[level]
	if ok && len(recipients) > 0 {
		return recipients
	}
	return d.defaultRecipients
}

// valueBreaches compares a raw value against a raw threshold with polarity.
func valueBreaches(value, threshold float64, higherIsBetter bool) bool {
	if higherIsBetter {
		return value < threshold
	}
	return value > threshold
}

func thresholdFor(t model.Thresholds, band model.ThresholdBand) (float64, bool) {
	var v float64
	switch band {
	case model.BandTarget:
		v = t.Target
	case model.BandWarning:
		v = t.Warning
	case model.BandCritical:
		v = t.Critical
	case model.BandEscalation:
		v = t.Escalation
	case model.BandAcceptable:
		v = t.Acceptable
	case model.BandExcellent:
		v = t.Excellent
	}

	return v, v != 0
}
