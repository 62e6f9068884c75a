package cli_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slaguard/slaguard/test/integration/cli"
)

func TestValidate(t *testing.T) {
	// Tests config.
	config := cli.NewConfig(t)

	// Tests.
	tests := map[string]struct {
		valCmdArgs string
		expErr     bool
	}{
		"Discovery of good definitions should validate correctly.": {
			valCmdArgs: "--input ./testdata/validate/good",
		},

		"Discovery of bad definitions should validate with failures.": {
			valCmdArgs: "--input ./testdata/validate/bad",
			expErr:     true,
		},

		"Discovery of all definitions should validate with failures.": {
			valCmdArgs: "--input ./testdata/validate",
			expErr:     true,
		},

		"Discovery of all definitions excluding bads should validate correctly.": {
			valCmdArgs: "--input ./testdata/validate --fs-exclude bad",
		},

		"Discovery of all definitions including only good should validate correctly.": {
			valCmdArgs: "--input ./testdata/validate --fs-include good",
		},

		"Discovery of none definitions should fail.": {
			valCmdArgs: "--input ./testdata/validate --fs-exclude .*",
			expErr:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			// Run with context to stop on test end.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, _, err := cli.RunSlaguardValidate(ctx, config, test.valCmdArgs)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}
		})
	}
}
