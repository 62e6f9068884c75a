package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/slaguard/slaguard/test/integration/testutils"
)

type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "slaguard"
	}

	_, err := exec.LookPath(c.Binary)
	if err != nil {
		return fmt.Errorf("slaguard binary missing in %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig prepares the configuration for integration tests, if the configuration is not ready
// it will skip the test.
func NewConfig(t *testing.T) Config {
	const (
		envSlaguardBin = "SLAGUARD_INTEGRATION_BINARY"
	)

	c := Config{
		Binary: os.Getenv(envSlaguardBin),
	}

	err := c.defaults()
	if err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

func RunSlaguardValidate(ctx context.Context, config Config, cmdArgs string) (stdout, stderr []byte, err error) {
	return testutils.RunSlaguard(ctx, []string{}, config.Binary, fmt.Sprintf("validate %s", cmdArgs), true)
}
