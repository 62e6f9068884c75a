package io

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/slaguard/slaguard/internal/model"
	slaguardv1 "github.com/slaguard/slaguard/pkg/api/v1"
)

// SlaguardYAMLLoader knows how to load slaguard/v1 YAML SLA definition files
// and map them to the domain model.
type SlaguardYAMLLoader struct{}

// NewSlaguardYAMLLoader returns a YAML definition loader.
func NewSlaguardYAMLLoader() SlaguardYAMLLoader {
	return SlaguardYAMLLoader{}
}

var slaguardSpecTypeV1Regex = regexp.MustCompile(`(?m)^version: +['"]?slaguard/v1['"]?\r?\n? *$`)

func (l SlaguardYAMLLoader) IsSpecType(ctx context.Context, data []byte) bool {
	return slaguardSpecTypeV1Regex.Match(data)
}

// LoadDefinitions loads and validates the SLA definitions of a spec file.
func (l SlaguardYAMLLoader) LoadDefinitions(ctx context.Context, data []byte) ([]model.SLADefinition, error) {
	s, err := l.LoadAPI(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("could not load API: %w", err)
	}

	defs, err := l.MapSpecToModel(ctx, *s)
	if err != nil {
		return nil, fmt.Errorf("could not map to model: %w", err)
	}

	return defs, nil
}

func (l SlaguardYAMLLoader) LoadAPI(ctx context.Context, data []byte) (*slaguardv1.Spec, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("spec is required")
	}

	s := slaguardv1.Spec{}
	err := yaml.Unmarshal(data, &s)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshall YAML spec correctly: %w", err)
	}

	// Check version.
	if s.Version != slaguardv1.Version {
		return nil, fmt.Errorf("invalid spec version, should be %q", slaguardv1.Version)
	}

	if s.Service == "" {
		return nil, fmt.Errorf("service is required")
	}

	// Check at least we have one SLA.
	if len(s.SLAs) == 0 {
		return nil, fmt.Errorf("at least one SLA is required")
	}

	return &s, nil
}

func (l SlaguardYAMLLoader) MapSpecToModel(ctx context.Context, spec slaguardv1.Spec) ([]model.SLADefinition, error) {
	defs := make([]model.SLADefinition, 0, len(spec.SLAs))

	for _, sla := range spec.SLAs {
		thresholds := model.Thresholds{
			Target:     sla.Thresholds.Target,
			Warning:    sla.Thresholds.Warning,
			Critical:   sla.Thresholds.Critical,
			Escalation: sla.Thresholds.Escalation,
			Acceptable: sla.Thresholds.Acceptable,
			Excellent:  sla.Thresholds.Excellent,
		}
		if thresholds.Target == 0 {
			thresholds.Target = sla.Target
		}

		active := true
		if sla.Active != nil {
			active = *sla.Active
		}

		def := model.SLADefinition{
			ID:          fmt.Sprintf("%s-%s", spec.Service, sla.Name),
			ServiceID:   spec.Service,
			Name:        sla.Name,
			Description: sla.Description,
			MetricType:  model.MetricType(sla.Metric),
			TargetValue: sla.Target,
			Unit:        sla.Unit,
			Thresholds:  thresholds,
			Measurement: model.MeasurementConfig{
				Frequency:     time.Duration(sla.Measurement.Frequency),
				Aggregation:   model.AggregationMethod(sla.Measurement.Aggregation),
				Percentile:    sla.Measurement.Percentile,
				DataSource:    sla.Measurement.DataSource,
				RetentionDays: sla.Measurement.RetentionDays,
				MinValid:      sla.Measurement.MinValid,
				MaxValid:      sla.Measurement.MaxValid,
			},
			TimeWindow: time.Duration(sla.Window),
			Active:     active,
		}

		err := def.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid SLA %q: %w", def.ID, err)
		}

		defs = append(defs, def)
	}

	return defs, nil
}
