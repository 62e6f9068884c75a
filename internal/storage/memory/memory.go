// Package memory implements the engine repositories with in-memory storage.
//
// All repositories are safe for concurrent use, although the engine funnels
// every mutation through single consumer loops, the guard keeps read paths
// (API queries) safe without extra coordination.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/model"
)

// SLARepository stores SLA definitions keyed by ID.
type SLARepository struct {
	mu   sync.RWMutex
	slas map[string]model.SLADefinition
}

// NewSLARepository returns a new in-memory SLA definition repository.
func NewSLARepository() *SLARepository {
	return &SLARepository{slas: map[string]model.SLADefinition{}}
}

// StoreSLA stores a new SLA definition. Fails if the ID already exists.
func (r *SLARepository) StoreSLA(ctx context.Context, def model.SLADefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slas[def.ID]
	if ok {
		return fmt.Errorf("SLA %q already registered", def.ID)
	}
	r.slas[def.ID] = def

	return nil
}

// UpdateSLA replaces a stored SLA definition. Fails if unknown.
func (r *SLARepository) UpdateSLA(ctx context.Context, def model.SLADefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slas[def.ID]
	if !ok {
		return fmt.Errorf("SLA %q: %w", def.ID, apperrors.ErrNotFound)
	}
	r.slas[def.ID] = def

	return nil
}

// GetSLA returns an SLA definition by ID.
func (r *SLARepository) GetSLA(ctx context.Context, id string) (*model.SLADefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.slas[id]
	if !ok {
		return nil, fmt.Errorf("SLA %q: %w", id, apperrors.ErrNotFound)
	}

	return &def, nil
}

// ListSLAs returns all SLA definitions sorted by ID.
func (r *SLARepository) ListSLAs(ctx context.Context) ([]model.SLADefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.SLADefinition, 0, len(r.slas))
	for _, def := range r.slas {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs, nil
}

// MeasurementRepository is the append-only measurement point store with
// bounded retention per SLA.
type MeasurementRepository struct {
	mu     sync.RWMutex
	points map[string][]model.MeasurementPoint
}

// NewMeasurementRepository returns a new in-memory measurement store.
func NewMeasurementRepository() *MeasurementRepository {
	return &MeasurementRepository{points: map[string][]model.MeasurementPoint{}}
}

// Append adds a measurement point at the end of the SLA series. Points are
// expected in timestamp order (one polling loop per SLA guarantees it).
func (r *MeasurementRepository) Append(ctx context.Context, point model.MeasurementPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.points[point.SLAID] = append(r.points[point.SLAID], point)

	return nil
}

// ListWindow returns all points (valid and invalid) of an SLA inside a window.
func (r *MeasurementRepository) ListWindow(ctx context.Context, slaID string, window model.TimeWindow) ([]model.MeasurementPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.MeasurementPoint
	for _, p := range r.points[slaID] {
		if window.Contains(p.Timestamp) {
			res = append(res, p)
		}
	}

	return res, nil
}

// LastN returns the most recent n valid, non-excluded points of an SLA in
// chronological order. Used by the consecutive-failure breach rules, that act
// on raw samples and not on the aggregate.
func (r *MeasurementRepository) LastN(ctx context.Context, slaID string, n int) ([]model.MeasurementPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	series := r.points[slaID]
	res := make([]model.MeasurementPoint, 0, n)
	for i := len(series) - 1; i >= 0 && len(res) < n; i-- {
		p := series[i]
		if !p.Valid || p.ExcludeFromCalculation {
			continue
		}
		res = append(res, p)
	}

	// Back to chronological order.
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}

	return res, nil
}

// PruneOlderThan drops all points of an SLA older than the given time and
// returns how many were removed.
func (r *MeasurementRepository) PruneOlderThan(ctx context.Context, slaID string, t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	series := r.points[slaID]
	idx := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(t) })
	if idx == 0 {
		return 0, nil
	}

	r.points[slaID] = append([]model.MeasurementPoint{}, series[idx:]...)

	return idx, nil
}

// BreachRepository stores breaches and keeps the active breach index keyed by
// (SLA, threshold band).
type BreachRepository struct {
	mu       sync.RWMutex
	breaches map[string]model.Breach
	// active indexes active breach IDs by SLA ID and threshold band.
	active map[string]map[model.ThresholdBand]string
}

// NewBreachRepository returns a new in-memory breach repository.
func NewBreachRepository() *BreachRepository {
	return &BreachRepository{
		breaches: map[string]model.Breach{},
		active:   map[string]map[model.ThresholdBand]string{},
	}
}

// StoreBreach stores a breach and, if not resolved, registers it in the active
// index.
func (r *BreachRepository) StoreBreach(ctx context.Context, breach model.Breach) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breaches[breach.ID] = breach
	if breach.Status != model.BreachStatusResolved {
		byBand, ok := r.active[breach.SLAID]
		if !ok {
			byBand = map[model.ThresholdBand]string{}
			r.active[breach.SLAID] = byBand
		}
		byBand[breach.Band] = breach.ID
	}

	return nil
}

// UpdateBreach replaces a stored breach, maintaining the active index: a
// breach transitioning to resolved is dropped from it.
func (r *BreachRepository) UpdateBreach(ctx context.Context, breach model.Breach) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.breaches[breach.ID]
	if !ok {
		return fmt.Errorf("breach %q: %w", breach.ID, apperrors.ErrNotFound)
	}
	r.breaches[breach.ID] = breach

	if breach.Status == model.BreachStatusResolved {
		byBand := r.active[breach.SLAID]
		if byBand != nil && byBand[breach.Band] == breach.ID {
			delete(byBand, breach.Band)
		}
	}

	return nil
}

// GetBreach returns a breach by ID.
func (r *BreachRepository) GetBreach(ctx context.Context, id string) (*model.Breach, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breach, ok := r.breaches[id]
	if !ok {
		return nil, fmt.Errorf("breach %q: %w", id, apperrors.ErrNotFound)
	}

	return &breach, nil
}

// GetActiveBreach returns the active (or acknowledged) breach of an SLA for a
// threshold band, if any.
func (r *BreachRepository) GetActiveBreach(ctx context.Context, slaID string, band model.ThresholdBand) (*model.Breach, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[slaID][band]
	if !ok {
		return nil, nil
	}
	breach := r.breaches[id]

	return &breach, nil
}

// ListActiveBreaches returns non-resolved breaches, optionally filtered by SLA
// (empty slaID lists all), sorted by start time.
func (r *BreachRepository) ListActiveBreaches(ctx context.Context, slaID string) ([]model.Breach, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Breach
	for id, byBand := range r.active {
		if slaID != "" && id != slaID {
			continue
		}
		for _, breachID := range byBand {
			res = append(res, r.breaches[breachID])
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.Before(res[j].StartTime) })

	return res, nil
}

// ListBreachesSince returns all breaches of an SLA (any status) started after
// the given time, sorted by start time. Used by pattern analysis.
func (r *BreachRepository) ListBreachesSince(ctx context.Context, slaID string, since time.Time) ([]model.Breach, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Breach
	for _, breach := range r.breaches {
		if breach.SLAID == slaID && !breach.StartTime.Before(since) {
			res = append(res, breach)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime.Before(res[j].StartTime) })

	return res, nil
}
