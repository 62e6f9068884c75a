// Package track implements the SLA tracking application service: registration,
// per-SLA polling loops, the deduplicated calculation queue and the operations
// facade over the engine components.
package track

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/slaguard/slaguard/internal/analyze"
	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/metrics"
	"github.com/slaguard/slaguard/internal/model"
	"github.com/slaguard/slaguard/internal/score"
)

// SLARepository persists SLA definitions.
type SLARepository interface {
	StoreSLA(ctx context.Context, def model.SLADefinition) error
	UpdateSLA(ctx context.Context, def model.SLADefinition) error
	GetSLA(ctx context.Context, id string) (*model.SLADefinition, error)
	ListSLAs(ctx context.Context) ([]model.SLADefinition, error)
}

// MeasurementRepository persists the raw measurement series.
type MeasurementRepository interface {
	Append(ctx context.Context, point model.MeasurementPoint) error
	PruneOlderThan(ctx context.Context, slaID string, t time.Time) (int, error)
}

// MetricCalculator computes SLA metrics over time windows.
type MetricCalculator interface {
	Calculate(ctx context.Context, def model.SLADefinition, window model.TimeWindow) (*model.SLAMetric, error)
}

// BreachDetector evaluates metrics against thresholds and owns the breach
// lifecycle.
type BreachDetector interface {
	DetectBreaches(ctx context.Context, def model.SLADefinition, metric model.SLAMetric) ([]model.Breach, error)
	AcknowledgeBreach(ctx context.Context, breachID, userID, comment string) error
	ResolveBreach(ctx context.Context, breachID, userID, resolution string) error
	GetActiveBreaches(ctx context.Context, slaID string) ([]model.Breach, error)
	AnalyzeBreachPatterns(ctx context.Context, slaID string) ([]model.BreachPattern, error)
}

// ComplianceScorer computes compliance scores.
type ComplianceScorer interface {
	CalculateScore(ctx context.Context, req score.Request) (*model.ComplianceScore, error)
}

// HistoricalAnalyzer runs the statistical analysis over stored series.
type HistoricalAnalyzer interface {
	Analyze(ctx context.Context, req analyze.Request) (*analyze.Result, error)
}

// ServiceConfig is the tracking service configuration.
type ServiceConfig struct {
	SLAs         SLARepository
	Measurements MeasurementRepository
	Calculator   MetricCalculator
	Detector     BreachDetector
	Scorer       ComplianceScorer
	Analyzer     HistoricalAnalyzer
	Source       DataSource
	Dispatcher   model.Dispatcher
	Metrics      metrics.Recorder

	// DefaultRetention applies to SLAs without an explicit RetentionDays.
	DefaultRetention time.Duration

	TimeNow func() time.Time
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.SLAs == nil {
		return fmt.Errorf("SLA repository is required")
	}
	if c.Measurements == nil {
		return fmt.Errorf("measurement repository is required")
	}
	if c.Calculator == nil {
		return fmt.Errorf("metric calculator is required")
	}
	if c.Detector == nil {
		return fmt.Errorf("breach detector is required")
	}
	if c.Scorer == nil {
		return fmt.Errorf("compliance scorer is required")
	}
	if c.Analyzer == nil {
		return fmt.Errorf("historical analyzer is required")
	}
	if c.Source == nil {
		c.Source = NewSimulatedSource(0.02, 0)
	}
	if c.Dispatcher == nil {
		c.Dispatcher = model.NoopDispatcher
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoopRecorder
	}

	if c.DefaultRetention == 0 {
		c.DefaultRetention = 7 * 24 * time.Hour
	}

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "track.Service"})

	return nil
}

type calcRequest struct {
	slaID    string
	priority int
	at       time.Time
}

// Service is the tracking orchestrator. All metric calculations funnel through
// a single consumer goroutine, so there is at most one in-flight calculation
// per SLA and the current-metric slot is never raced.
type Service struct {
	slas         SLARepository
	measurements MeasurementRepository
	calculator   MetricCalculator
	detector     BreachDetector
	scorer       ComplianceScorer
	analyzer     HistoricalAnalyzer
	source       DataSource
	dispatcher   model.Dispatcher
	recorder     metrics.Recorder

	defaultRetention time.Duration
	timeNow          func() time.Time
	logger           log.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	pollerMu sync.Mutex
	pollers  map[string]context.CancelFunc

	queueMu sync.Mutex
	pending map[string]calcRequest
	wake    chan struct{}

	metricMu sync.RWMutex
	current  map[string]model.SLAMetric
}

// NewService returns a new tracking service. Run must be started for queued
// calculations to be processed.
func NewService(config ServiceConfig) (*Service, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Service{
		slas:             config.SLAs,
		measurements:     config.Measurements,
		calculator:       config.Calculator,
		detector:         config.Detector,
		scorer:           config.Scorer,
		analyzer:         config.Analyzer,
		source:           config.Source,
		recorder:         config.Metrics,
		defaultRetention: config.DefaultRetention,
		timeNow:          config.TimeNow,
		logger:           config.Logger,
		baseCtx:          baseCtx,
		baseCancel:       baseCancel,
		pollers:          map[string]context.CancelFunc{},
		pending:          map[string]calcRequest{},
		wake:             make(chan struct{}, 1),
		current:          map[string]model.SLAMetric{},
	}

	// Breach events feed the self-instrumentation on the way through.
	next := config.Dispatcher
	s.dispatcher = model.DispatcherFunc(func(e model.Event) {
		if ev, ok := e.(model.BreachDetectedEvent); ok {
			s.recorder.ObserveBreach(baseCtx, ev.Breach.Severity)
		}
		next.Dispatch(e)
	})

	return s, nil
}

// Run drains the calculation queue until the context is cancelled or the
// service is shut down. It is the single consumer of the queue.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Infof("calculation queue consumer started")
	defer s.logger.Infof("calculation queue consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.baseCtx.Done():
			return nil
		case <-s.wake:
		}

		for {
			req, ok := s.popCalcRequest()
			if !ok {
				break
			}
			s.processCalculation(ctx, req.slaID)
		}
	}
}

// RegisterSLA validates and stores an SLA definition and, if it is active,
// starts its polling loop.
func (s *Service) RegisterSLA(ctx context.Context, def model.SLADefinition) error {
	err := def.Validate()
	if err != nil {
		return err
	}

	now := s.timeNow().UTC()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	err = s.slas.StoreSLA(ctx, def)
	if err != nil {
		return fmt.Errorf("could not store SLA: %w", err)
	}

	if def.Active {
		s.startPoller(def)
	}
	s.recordTracked(ctx)
	s.logger.WithValues(log.Kv{"sla": def.ID, "service": def.ServiceID}).Infof("SLA registered")

	return nil
}

// UpdateSLA validates and stores a new revision of an SLA definition, bumping
// its version and restarting its polling loop.
func (s *Service) UpdateSLA(ctx context.Context, def model.SLADefinition) error {
	err := def.Validate()
	if err != nil {
		return err
	}

	existing, err := s.slas.GetSLA(ctx, def.ID)
	if err != nil {
		return err
	}

	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = s.timeNow().UTC()

	err = s.slas.UpdateSLA(ctx, def)
	if err != nil {
		return fmt.Errorf("could not update SLA: %w", err)
	}

	// The poller picks up frequency and activity changes by restarting.
	s.stopPoller(def.ID)
	if def.Active {
		s.startPoller(def)
	}
	s.recordTracked(ctx)
	s.logger.WithValues(log.Kv{"sla": def.ID, "version": def.Version}).Infof("SLA updated")

	return nil
}

// GetSLA returns an SLA definition.
func (s *Service) GetSLA(ctx context.Context, id string) (*model.SLADefinition, error) {
	return s.slas.GetSLA(ctx, id)
}

// ListSLAs returns all registered SLA definitions.
func (s *Service) ListSLAs(ctx context.Context) ([]model.SLADefinition, error) {
	return s.slas.ListSLAs(ctx)
}

// GetMetric returns the current metric of an SLA, calculating it on the spot
// when no calculation has happened yet.
func (s *Service) GetMetric(ctx context.Context, slaID string) (*model.SLAMetric, error) {
	s.metricMu.RLock()
	metric, ok := s.current[slaID]
	s.metricMu.RUnlock()
	if ok {
		return &metric, nil
	}

	_, err := s.slas.GetSLA(ctx, slaID)
	if err != nil {
		return nil, err
	}

	s.processCalculation(ctx, slaID)

	s.metricMu.RLock()
	metric, ok = s.current[slaID]
	s.metricMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("could not calculate metric of %q", slaID)
	}

	return &metric, nil
}

// GetSLAHistory recomputes the metric per aggregation sub-interval of the
// window. Historical metrics are read-only recomputations: no events, no
// breach evaluation.
func (s *Service) GetSLAHistory(ctx context.Context, slaID string, window model.TimeWindow, interval time.Duration) ([]model.SLAMetric, error) {
	if interval <= 0 {
		return nil, apperrors.NewValidationError("aggregation interval must be positive")
	}

	def, err := s.slas.GetSLA(ctx, slaID)
	if err != nil {
		return nil, err
	}

	var history []model.SLAMetric
	for from := window.From; from.Before(window.To); from = from.Add(interval) {
		to := from.Add(interval)
		if to.After(window.To) {
			to = window.To
		}

		metric, err := s.calculator.Calculate(ctx, *def, model.TimeWindow{From: from, To: to})
		if err != nil {
			return nil, fmt.Errorf("could not calculate history interval: %w", err)
		}
		history = append(history, *metric)
	}

	return history, nil
}

// DetectBreaches re-evaluates a metric against the SLA thresholds on demand.
// Normally detection is triggered internally per calculation.
func (s *Service) DetectBreaches(ctx context.Context, slaID string, metric model.SLAMetric) ([]model.Breach, error) {
	def, err := s.slas.GetSLA(ctx, slaID)
	if err != nil {
		return nil, err
	}

	return s.detector.DetectBreaches(ctx, *def, metric)
}

// AcknowledgeBreach marks a breach as acknowledged.
func (s *Service) AcknowledgeBreach(ctx context.Context, breachID, userID, comment string) error {
	return s.detector.AcknowledgeBreach(ctx, breachID, userID, comment)
}

// ResolveBreach resolves a breach.
func (s *Service) ResolveBreach(ctx context.Context, breachID, userID, resolution string) error {
	return s.detector.ResolveBreach(ctx, breachID, userID, resolution)
}

// GetActiveBreaches returns the unresolved breaches of an SLA, or of all SLAs
// when slaID is empty.
func (s *Service) GetActiveBreaches(ctx context.Context, slaID string) ([]model.Breach, error) {
	if slaID != "" {
		return s.detector.GetActiveBreaches(ctx, slaID)
	}

	defs, err := s.slas.ListSLAs(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list SLAs: %w", err)
	}

	var all []model.Breach
	for _, def := range defs {
		breaches, err := s.detector.GetActiveBreaches(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, breaches...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartTime.Before(all[j].StartTime) })

	return all, nil
}

// AnalyzeBreachPatterns classifies the recent breach history of an SLA.
func (s *Service) AnalyzeBreachPatterns(ctx context.Context, slaID string) ([]model.BreachPattern, error) {
	return s.detector.AnalyzeBreachPatterns(ctx, slaID)
}

// CalculateComplianceScore computes the compliance score of an SLA.
func (s *Service) CalculateComplianceScore(ctx context.Context, req score.Request) (*model.ComplianceScore, error) {
	return s.scorer.CalculateScore(ctx, req)
}

// PerformHistoricalAnalysis runs the statistical analysis of an SLA series.
// The metric polarity is resolved from the definition.
func (s *Service) PerformHistoricalAnalysis(ctx context.Context, req analyze.Request) (*analyze.Result, error) {
	def, err := s.slas.GetSLA(ctx, req.SLAID)
	if err != nil {
		return nil, err
	}
	req.HigherIsBetter = def.MetricType.HigherIsBetter()

	return s.analyzer.Analyze(ctx, req)
}

// RequestRecalculation queues a high-priority metric recalculation for an SLA.
func (s *Service) RequestRecalculation(ctx context.Context, slaID string) error {
	_, err := s.slas.GetSLA(ctx, slaID)
	if err != nil {
		return err
	}

	s.enqueueCalculation(slaID, 1)

	return nil
}

// CollectMeasurement queries the data source once for an SLA, validates the
// raw value and appends it to the store, pruning expired points.
func (s *Service) CollectMeasurement(ctx context.Context, def model.SLADefinition) error {
	value, err := s.source.Query(ctx, def)
	if err != nil {
		return apperrors.DataSourceError{Source: def.Measurement.DataSource, Err: err}
	}

	point := model.MeasurementPoint{
		SLAID:     def.ID,
		Timestamp: s.timeNow().UTC(),
		Value:     value,
		Unit:      def.Unit,
		Valid:     true,
	}

	switch {
	case math.IsNaN(value) || math.IsInf(value, 0):
		point.Valid = false
		point.ExcludeFromCalculation = true
		point.ExclusionReason = "value is not a finite number"
	case def.Measurement.MinValid != nil && value < *def.Measurement.MinValid:
		point.ExcludeFromCalculation = true
		point.ExclusionReason = fmt.Sprintf("value %v below plausible minimum %v", value, *def.Measurement.MinValid)
	case def.Measurement.MaxValid != nil && value > *def.Measurement.MaxValid:
		point.ExcludeFromCalculation = true
		point.ExclusionReason = fmt.Sprintf("value %v above plausible maximum %v", value, *def.Measurement.MaxValid)
	}

	err = s.measurements.Append(ctx, point)
	if err != nil {
		return fmt.Errorf("could not append measurement: %w", err)
	}

	retention := s.defaultRetention
	if def.Measurement.RetentionDays > 0 {
		retention = time.Duration(def.Measurement.RetentionDays) * 24 * time.Hour
	}
	_, err = s.measurements.PruneOlderThan(ctx, def.ID, s.timeNow().UTC().Add(-retention))
	if err != nil {
		return fmt.Errorf("could not prune measurements: %w", err)
	}

	return nil
}

// StopTracking cancels the polling loop of an SLA without waiting for
// in-flight calculations.
func (s *Service) StopTracking(ctx context.Context, slaID string) error {
	s.pollerMu.Lock()
	cancel, ok := s.pollers[slaID]
	if ok {
		delete(s.pollers, slaID)
	}
	s.pollerMu.Unlock()

	if !ok {
		return fmt.Errorf("SLA %q is not tracked: %w", slaID, apperrors.ErrNotFound)
	}
	cancel()
	s.recordTracked(ctx)

	return nil
}

// Shutdown stops all polling loops and the queue consumer. Queued
// calculations may be dropped, processing is at most once.
func (s *Service) Shutdown() {
	s.baseCancel()

	s.pollerMu.Lock()
	defer s.pollerMu.Unlock()
	for id, cancel := range s.pollers {
		cancel()
		delete(s.pollers, id)
	}
}

func (s *Service) startPoller(def model.SLADefinition) {
	s.pollerMu.Lock()
	defer s.pollerMu.Unlock()

	if cancel, ok := s.pollers[def.ID]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.pollers[def.ID] = cancel

	go s.poll(ctx, def)
}

func (s *Service) stopPoller(slaID string) {
	s.pollerMu.Lock()
	defer s.pollerMu.Unlock()

	if cancel, ok := s.pollers[slaID]; ok {
		cancel()
		delete(s.pollers, slaID)
	}
}

// poll is the per-SLA loop: one measurement and one queued recalculation per
// tick. Data-source errors skip the tick, they never stop the loop.
func (s *Service) poll(ctx context.Context, def model.SLADefinition) {
	logger := s.logger.WithValues(log.Kv{"sla": def.ID})
	logger.Debugf("polling started")
	defer logger.Debugf("polling stopped")

	ticker := time.NewTicker(def.Measurement.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.CollectMeasurement(ctx, def)
		if err != nil {
			logger.Errorf("could not collect measurement: %s", err)
			continue
		}

		s.enqueueCalculation(def.ID, 0)
	}
}

// enqueueCalculation registers a pending calculation. Requests are
// deduplicated per SLA: the latest one wins, keeping the highest priority.
func (s *Service) enqueueCalculation(slaID string, priority int) {
	s.queueMu.Lock()
	prev, ok := s.pending[slaID]
	if ok && prev.priority > priority {
		priority = prev.priority
	}
	s.pending[slaID] = calcRequest{slaID: slaID, priority: priority, at: s.timeNow()}
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popCalcRequest takes the highest-priority (oldest first within a priority)
// pending request.
func (s *Service) popCalcRequest() (calcRequest, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var best calcRequest
	found := false
	for _, req := range s.pending {
		if !found || req.priority > best.priority ||
			(req.priority == best.priority && req.at.Before(best.at)) {
			best = req
			found = true
		}
	}
	if !found {
		return calcRequest{}, false
	}
	delete(s.pending, best.slaID)

	return best, true
}

// processCalculation computes the current metric of an SLA, publishes exactly
// one metricCalculated event and runs breach detection on the result. Errors
// are contained here: one SLA failing must not starve the rest.
func (s *Service) processCalculation(ctx context.Context, slaID string) {
	logger := s.logger.WithValues(log.Kv{"sla": slaID})

	def, err := s.slas.GetSLA(ctx, slaID)
	if err != nil {
		logger.Errorf("could not resolve SLA for calculation: %s", err)
		return
	}

	now := s.timeNow().UTC()
	window := model.TimeWindow{From: now.Add(-def.TimeWindow), To: now}

	t0 := time.Now()
	metric, err := s.calculator.Calculate(ctx, *def, window)
	s.recorder.MeasureCalculation(ctx, slaID, time.Since(t0), err)
	if err != nil {
		// A failed aggregation marks the SLA unknown and surfaces as an
		// event, it never kills the consumer.
		s.metricMu.Lock()
		s.current[slaID] = model.SLAMetric{
			SLAID:        slaID,
			Window:       window,
			TargetValue:  def.TargetValue,
			Status:       model.MetricStatusUnknown,
			CalculatedAt: now,
		}
		s.metricMu.Unlock()

		s.dispatcher.Dispatch(model.CalculationFailedEvent{SLAID: slaID, Reason: err.Error(), At: now})
		logger.Errorf("could not calculate metric: %s", err)
		return
	}

	s.metricMu.Lock()
	s.current[slaID] = *metric
	s.metricMu.Unlock()

	s.dispatcher.Dispatch(model.MetricCalculatedEvent{SLAID: slaID, Metric: *metric, At: now})

	_, err = s.detector.DetectBreaches(ctx, *def, *metric)
	if err != nil {
		logger.Errorf("could not evaluate breaches: %s", err)
	}
}

func (s *Service) recordTracked(ctx context.Context) {
	s.pollerMu.Lock()
	n := len(s.pollers)
	s.pollerMu.Unlock()
	s.recorder.SetTrackedSLAs(ctx, n)
}
