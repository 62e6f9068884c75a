package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/slaguard/slaguard/internal/errors"
)

func TestDataSourceError(t *testing.T) {
	inner := errors.New("connection refused")

	// Returned by value from the collection path, so the value type itself
	// must satisfy error and unwrap.
	var err error = apperrors.DataSourceError{Source: "simulated", Err: inner}
	wrapped := fmt.Errorf("could not collect measurement: %w", err)

	assert.ErrorIs(t, wrapped, inner)

	var dsErr apperrors.DataSourceError
	assert.ErrorAs(t, wrapped, &dsErr)
	assert.Equal(t, "simulated", dsErr.Source)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidationError(t *testing.T) {
	tests := map[string]struct {
		err     error
		expIsIt bool
	}{
		"A validation error should be detected.": {
			err:     apperrors.NewValidationError("invalid SLA", apperrors.FieldError{Field: "target", Reason: "must be positive"}),
			expIsIt: true,
		},

		"A wrapped validation error should be detected.": {
			err:     fmt.Errorf("could not register: %w", apperrors.NewValidationError("invalid SLA")),
			expIsIt: true,
		},

		"A plain error should not be detected.": {
			err:     errors.New("boom"),
			expIsIt: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expIsIt, apperrors.IsValidation(test.err))
		})
	}
}
