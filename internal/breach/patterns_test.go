package breach_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaguard/slaguard/internal/breach"
	"github.com/slaguard/slaguard/internal/model"
)

func (e *testEnv) storeBreaches(t *testing.T, starts []time.Time, duration time.Duration, severity model.BreachSeverity) {
	for i, start := range starts {
		end := start.Add(duration)
		require.NoError(t, e.repo.StoreBreach(context.TODO(), model.Breach{
			ID:        fmt.Sprintf("b%d", i),
			SLAID:     "sla1",
			Band:      model.BandCritical,
			Severity:  severity,
			Status:    model.BreachStatusResolved,
			StartTime: start,
			EndTime:   &end,
		}))
	}
}

func everyNHours(n int, count int) []time.Time {
	starts := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		starts = append(starts, t0.Add(time.Duration(i*n)*time.Hour))
	}
	return starts
}

func TestAnalyzeBreachPatternsFrequent(t *testing.T) {
	env := newTestEnv(t, breach.DetectorConfig{})
	env.storeBreaches(t, everyNHours(3, 5), 10*time.Minute, model.SeverityHigh)
	*env.now = t0.Add(24 * time.Hour)

	patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
	require.NoError(t, err)

	kinds := patternKinds(patterns)
	assert.Contains(t, kinds, model.PatternFrequent)
	for _, p := range patterns {
		if p.Kind == model.PatternFrequent {
			assert.Equal(t, model.SeverityHigh, p.Severity)
			assert.Len(t, p.BreachIDs, 5)
		}
	}
}

func TestAnalyzeBreachPatternsRecurring(t *testing.T) {
	tests := map[string]struct {
		starts []time.Time
		exp    bool
	}{
		"Evenly spaced breaches should classify as recurring.": {
			starts: everyNHours(6, 4),
			exp:    true,
		},

		"Irregular spacing should not classify as recurring.": {
			starts: []time.Time{t0, t0.Add(time.Hour), t0.Add(12 * time.Hour), t0.Add(14 * time.Hour)},
			exp:    false,
		},

		"Too few breaches should not classify as recurring.": {
			starts: everyNHours(6, 3),
			exp:    false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, breach.DetectorConfig{})
			env.storeBreaches(t, test.starts, 10*time.Minute, model.SeverityMedium)
			*env.now = t0.Add(48 * time.Hour)

			patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
			require.NoError(t, err)

			if test.exp {
				assert.Contains(t, patternKinds(patterns), model.PatternRecurring)
			} else {
				assert.NotContains(t, patternKinds(patterns), model.PatternRecurring)
			}
		})
	}
}

func TestAnalyzeBreachPatternsPersistent(t *testing.T) {
	env := newTestEnv(t, breach.DetectorConfig{})
	env.storeBreaches(t, []time.Time{t0}, 2*time.Hour, model.SeverityCritical)
	*env.now = t0.Add(24 * time.Hour)

	patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
	require.NoError(t, err)

	require.Contains(t, patternKinds(patterns), model.PatternPersistent)
	for _, p := range patterns {
		if p.Kind == model.PatternPersistent {
			assert.Equal(t, model.SeverityCritical, p.Severity)
		}
	}
}

func TestAnalyzeBreachPatternsOpenBreachCountsAsPersistent(t *testing.T) {
	env := newTestEnv(t, breach.DetectorConfig{})

	// An unresolved breach older than the persistence cutoff counts too.
	require.NoError(t, env.repo.StoreBreach(context.TODO(), model.Breach{
		ID:        "open1",
		SLAID:     "sla1",
		Band:      model.BandWarning,
		Severity:  model.SeverityMedium,
		Status:    model.BreachStatusActive,
		StartTime: t0,
	}))
	*env.now = t0.Add(3 * time.Hour)

	patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
	require.NoError(t, err)
	assert.Contains(t, patternKinds(patterns), model.PatternPersistent)
}

func TestAnalyzeBreachPatternsNoHistory(t *testing.T) {
	env := newTestEnv(t, breach.DetectorConfig{})

	patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestAnalyzeBreachPatternsDispatchesEvents(t *testing.T) {
	env := newTestEnv(t, breach.DetectorConfig{})
	env.storeBreaches(t, everyNHours(6, 5), 10*time.Minute, model.SeverityLow)
	*env.now = t0.Add(48 * time.Hour)

	patterns, err := env.detector.AnalyzeBreachPatterns(context.TODO(), "sla1")
	require.NoError(t, err)
	require.NotEmpty(t, patterns)

	detected := 0
	for _, kind := range env.eventKinds() {
		if kind == model.EventKindPatternDetected {
			detected++
		}
	}
	assert.Equal(t, len(patterns), detected)
}

func patternKinds(patterns []model.BreachPattern) []model.PatternKind {
	kinds := make([]model.PatternKind, 0, len(patterns))
	for _, p := range patterns {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}
