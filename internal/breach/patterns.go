package breach

import (
	"context"
	"fmt"
	"time"

	"github.com/slaguard/slaguard/internal/model"
)

const (
	// frequentPatternMinBreaches is the breach count over the pattern window
	// from which the SLA is classified as breaching frequently.
	frequentPatternMinBreaches = 5
	// recurringPatternMinIntervals is the minimum breach-to-breach interval
	// count needed before looking for a recurring cadence.
	recurringPatternMinIntervals = 3
	// recurringPatternMaxDeviation is the allowed deviation of every interval
	// from the interval mean for the cadence to count as recurring.
	recurringPatternMaxDeviation = 0.2
	// persistentPatternMinDuration is the single breach duration from which
	// the SLA is classified as having persistent breaches.
	persistentPatternMinDuration = time.Hour
)

// AnalyzeBreachPatterns classifies the breach history of an SLA over the
// trailing pattern window into frequent, recurring and persistent patterns.
// Every detected pattern carries the max severity among its breaches and is
// dispatched as a patternDetected event.
func (d *Detector) AnalyzeBreachPatterns(ctx context.Context, slaID string) ([]model.BreachPattern, error) {
	now := d.timeNow().UTC()
	window := model.TimeWindow{From: now.Add(-d.patternWindow), To: now}

	breaches, err := d.repo.ListBreachesSince(ctx, slaID, window.From)
	if err != nil {
		return nil, fmt.Errorf("could not list breach history: %w", err)
	}
	if len(breaches) == 0 {
		return nil, nil
	}

	var patterns []model.BreachPattern

	if p := d.frequentPattern(slaID, window, breaches); p != nil {
		patterns = append(patterns, *p)
	}
	if p := d.recurringPattern(slaID, window, breaches); p != nil {
		patterns = append(patterns, *p)
	}
	if p := d.persistentPattern(slaID, window, breaches, now); p != nil {
		patterns = append(patterns, *p)
	}

	for _, p := range patterns {
		d.dispatcher.Dispatch(model.PatternDetectedEvent{Pattern: p, At: now})
	}

	return patterns, nil
}

func (d *Detector) frequentPattern(slaID string, window model.TimeWindow, breaches []model.Breach) *model.BreachPattern {
	if len(breaches) < frequentPatternMinBreaches {
		return nil
	}

	return &model.BreachPattern{
		SLAID:       slaID,
		Kind:        model.PatternFrequent,
		Severity:    maxSeverityOf(breaches),
		BreachIDs:   breachIDs(breaches),
		Window:      window,
		Description: fmt.Sprintf("%d breaches in the last %s", len(breaches), d.patternWindow),
	}
}

// recurringPattern looks for a stable cadence: every breach-to-breach interval
// within recurringPatternMaxDeviation of the interval mean.
func (d *Detector) recurringPattern(slaID string, window model.TimeWindow, breaches []model.Breach) *model.BreachPattern {
	if len(breaches) < recurringPatternMinIntervals+1 {
		return nil
	}

	intervals := make([]time.Duration, 0, len(breaches)-1)
	for i := 1; i < len(breaches); i++ {
		intervals = append(intervals, breaches[i].StartTime.Sub(breaches[i-1].StartTime))
	}

	var total time.Duration
	for _, iv := range intervals {
		total += iv
	}
	mean := total / time.Duration(len(intervals))
	if mean <= 0 {
		return nil
	}

	for _, iv := range intervals {
		deviation := float64(iv-mean) / float64(mean)
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > recurringPatternMaxDeviation {
			return nil
		}
	}

	return &model.BreachPattern{
		SLAID:       slaID,
		Kind:        model.PatternRecurring,
		Severity:    maxSeverityOf(breaches),
		BreachIDs:   breachIDs(breaches),
		Window:      window,
		Description: fmt.Sprintf("breaches recur every %s", mean.Truncate(time.Second)),
	}
}

func (d *Detector) persistentPattern(slaID string, window model.TimeWindow, breaches []model.Breach, now time.Time) *model.BreachPattern {
	var persistent []model.Breach
	for _, b := range breaches {
		end := now
		if b.EndTime != nil {
			end = *b.EndTime
		}
		if end.Sub(b.StartTime) > persistentPatternMinDuration {
			persistent = append(persistent, b)
		}
	}
	if len(persistent) == 0 {
		return nil
	}

	return &model.BreachPattern{
		SLAID:       slaID,
		Kind:        model.PatternPersistent,
		Severity:    maxSeverityOf(persistent),
		BreachIDs:   breachIDs(persistent),
		Window:      window,
		Description: fmt.Sprintf("%d breaches lasted over %s", len(persistent), persistentPatternMinDuration),
	}
}

func maxSeverityOf(breaches []model.Breach) model.BreachSeverity {
	severity := model.SeverityLow
	for _, b := range breaches {
		severity = model.MaxSeverity(severity, b.Severity)
	}
	return severity
}

func breachIDs(breaches []model.Breach) []string {
	ids := make([]string, 0, len(breaches))
	for _, b := range breaches {
		ids = append(ids, b.ID)
	}
	return ids
}
