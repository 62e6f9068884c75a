// Package v1 holds the YAML API of the slaguard SLA definition files.
package v1

import (
	prommodel "github.com/prometheus/common/model"
)

const Version = "slaguard/v1"

// Spec is a slaguard/v1 SLA definition group for one service.
type Spec struct {
	// Version is the API version of the spec, "slaguard/v1" for this one.
	Version string `yaml:"version"`
	// Service is the service ID all SLAs in the file belong to.
	Service string `yaml:"service"`
	// SLAs are the SLA declarations of the service.
	SLAs []SLA `yaml:"slas"`
}

// SLA is a single SLA declaration.
type SLA struct {
	// Name is the SLA name, unique within the service.
	Name string `yaml:"name"`
	// Description is optional free text.
	Description string `yaml:"description,omitempty"`
	// Metric is the metric type (availability, response_time, throughput,
	// error_rate, uptime, success_rate, custom).
	Metric string `yaml:"metric"`
	// Target is the SLA target value in Unit.
	Target float64 `yaml:"target"`
	// Unit is the unit of the target and the measurements, e.g. "%" or "ms".
	Unit string `yaml:"unit,omitempty"`
	// Thresholds are the severity bands. A missing target band defaults to
	// the SLA target.
	Thresholds Thresholds `yaml:"thresholds"`
	// Measurement configures collection and aggregation.
	Measurement Measurement `yaml:"measurement"`
	// Window is the rolling evaluation window.
	Window prommodel.Duration `yaml:"window"`
	// Active starts tracking on registration. Defaults to true.
	Active *bool `yaml:"active,omitempty"`
}

// Thresholds are the severity bands in measurement units.
type Thresholds struct {
	Target     float64 `yaml:"target,omitempty"`
	Warning    float64 `yaml:"warning"`
	Critical   float64 `yaml:"critical"`
	Escalation float64 `yaml:"escalation,omitempty"`
	Acceptable float64 `yaml:"acceptable,omitempty"`
	Excellent  float64 `yaml:"excellent,omitempty"`
}

// Measurement configures how the SLA metric is collected and aggregated.
type Measurement struct {
	// Frequency is the polling interval.
	Frequency prommodel.Duration `yaml:"frequency"`
	// Aggregation is avg (default), min, max, sum, count or percentile.
	Aggregation string `yaml:"aggregation,omitempty"`
	// Percentile is the percentile for the percentile aggregation, 0-100.
	Percentile float64 `yaml:"percentile,omitempty"`
	// DataSource names the backend the measurements come from.
	DataSource string `yaml:"dataSource,omitempty"`
	// RetentionDays bounds how long raw measurements are kept.
	RetentionDays int `yaml:"retentionDays,omitempty"`
	// MinValid and MaxValid bound plausible raw values, out-of-range points
	// are excluded from calculation but kept for audit.
	MinValid *float64 `yaml:"minValid,omitempty"`
	MaxValid *float64 `yaml:"maxValid,omitempty"`
}
