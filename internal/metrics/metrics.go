// Package metrics holds the self-instrumentation recorder interface of the
// engine.
package metrics

import (
	"context"
	"time"

	"github.com/slaguard/slaguard/internal/model"
)

// Recorder receives the engine observations.
type Recorder interface {
	MeasureCalculation(ctx context.Context, slaID string, t time.Duration, err error)
	ObserveBreach(ctx context.Context, severity model.BreachSeverity)
	SetActiveBreaches(ctx context.Context, n int)
	ObserveDelivery(channel string, success bool, attempts int)
	SetQueueDepth(n int)
	SetTrackedSLAs(ctx context.Context, n int)
}

type noopRecorder bool

// NoopRecorder is a recorder that discards everything.
var NoopRecorder Recorder = noopRecorder(false)

func (r noopRecorder) MeasureCalculation(ctx context.Context, slaID string, t time.Duration, err error) {
}
func (r noopRecorder) ObserveBreach(ctx context.Context, severity model.BreachSeverity) {}
func (r noopRecorder) SetActiveBreaches(ctx context.Context, n int)                     {}
func (r noopRecorder) ObserveDelivery(channel string, success bool, attempts int)       {}
func (r noopRecorder) SetQueueDepth(n int)                                              {}
func (r noopRecorder) SetTrackedSLAs(ctx context.Context, n int)                        {}
