package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound will be used when an SLA, breach or any other resource referenced
	// by ID is unknown. The upper layer normally maps this to a 404.
	ErrNotFound = errors.New("resource not found")
)

// FieldError is a single invalid field detail of a validation failure.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError is returned when a user provided input (SLA definition,
// measurement...) is invalid. It carries field level details so the upper
// layers can map it to structured responses.
type ValidationError struct {
	Msg    string
	Fields []FieldError
}

func (v *ValidationError) Error() string {
	if len(v.Fields) == 0 {
		return v.Msg
	}

	details := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		details = append(details, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}

	return fmt.Sprintf("%s: %s", v.Msg, strings.Join(details, ", "))
}

// NewValidationError returns a validation error with field details.
func NewValidationError(msg string, fields ...FieldError) *ValidationError {
	return &ValidationError{Msg: msg, Fields: fields}
}

// IsValidation returns true if the error is (or wraps) a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DataSourceError is returned when the query to the underlying metrics backend
// failed. The polling loop logs it and skips the tick, it never kills the loop.
type DataSourceError struct {
	Source string
	Err    error
}

func (d DataSourceError) Error() string {
	return fmt.Sprintf("data source %q query failed: %s", d.Source, d.Err)
}

func (d DataSourceError) Unwrap() error { return d.Err }

// CalculationError is returned when an aggregation produced an invalid result
// (NaN, Inf...). The queue consumer surfaces it as an event and marks the SLA
// metric as unknown instead of crashing.
type CalculationError struct {
	SLAID  string
	Reason string
}

func (c *CalculationError) Error() string {
	return fmt.Sprintf("calculation for SLA %q failed: %s", c.SLAID, c.Reason)
}
