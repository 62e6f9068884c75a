package track

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/slaguard/slaguard/internal/model"
)

// DataSource queries the backing metrics system for the current raw value of
// an SLA metric. Production backends plug in here.
type DataSource interface {
	Query(ctx context.Context, def model.SLADefinition) (float64, error)
}

// DataSourceFunc is a helper to use functions as data sources.
type DataSourceFunc func(ctx context.Context, def model.SLADefinition) (float64, error)

// Query implements DataSource.
func (f DataSourceFunc) Query(ctx context.Context, def model.SLADefinition) (float64, error) {
	return f(ctx, def)
}

// SimulatedSource is the built-in data source: values jitter around the SLA
// target so tracked SLAs produce plausible series without a real backend.
type SimulatedSource struct {
	// Jitter is the max relative deviation from the target, 0.02 means +-2%.
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedSource returns a simulated data source. A zero seed means
// non-deterministic values.
func NewSimulatedSource(jitter float64, seed int64) *SimulatedSource {
	if jitter <= 0 {
		jitter = 0.02
	}
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(rand.Int63())
	}

	return &SimulatedSource{Jitter: jitter, rnd: rand.New(src)}
}

// Query implements DataSource.
func (s *SimulatedSource) Query(_ context.Context, def model.SLADefinition) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviation := (s.rnd.Float64()*2 - 1) * s.Jitter * def.TargetValue
	value := def.TargetValue + deviation
	if !def.MetricType.HigherIsBetter() {
		// Lower-is-better metrics jitter only below the target so the
		// simulation stays compliant.
		value = def.TargetValue - math.Abs(deviation)/2
	}

	return value, nil
}
