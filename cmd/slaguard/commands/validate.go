package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slaguard/slaguard/internal/log"
	storageio "github.com/slaguard/slaguard/internal/storage/io"
)

type validateCommand struct {
	slasInput        string
	slasExcludeRegex string
	slasIncludeRegex string
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(app *kingpin.Application) Command {
	c := &validateCommand{}
	cmd := app.Command("validate", "Validates the SLA definition manifests.")
	cmd.Flag("input", "SLA definition discovery path, will discover recursively all YAML files.").Short('i').Required().StringVar(&c.slasInput)
	cmd.Flag("fs-exclude", "Filter regex to ignore matched discovered SLA file paths.").Short('e').StringVar(&c.slasExcludeRegex)
	cmd.Flag("fs-include", "Filter regex to include matched discovered SLA file paths, everything else will be ignored. Exclude has preference.").Short('n').StringVar(&c.slasIncludeRegex)

	return c
}

func (v validateCommand) Name() string { return "validate" }
func (v validateCommand) Run(ctx context.Context, config RootConfig) error {
	logger := config.Logger

	// Set up files discovery filter regex.
	excludeRegex, includeRegex, err := compileFilterRegexes(v.slasExcludeRegex, v.slasIncludeRegex)
	if err != nil {
		return err
	}

	// Discover SLA definition files.
	slaPaths, err := discoverSLAManifests(logger, excludeRegex, includeRegex, v.slasInput)
	if err != nil {
		return fmt.Errorf("could not discover files: %w", err)
	}
	if len(slaPaths) == 0 {
		return fmt.Errorf("0 SLA definition files have been discovered")
	}

	loader := storageio.NewSlaguardYAMLLoader()

	// For every file load the data and start the validation process.
	validations := []*fileValidation{}
	totalValidations := 0
	for _, input := range slaPaths {
		// Get SLA definition data.
		slaData, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("could not read SLA definition file data: %w", err)
		}

		// Prepare file validation result and start validation for every SLA in the file.
		validation := &fileValidation{File: input}
		validations = append(validations, validation)

		defs, err := loader.LoadDefinitions(ctx, slaData)
		if err != nil {
			validation.Errs = append(validation.Errs, fmt.Errorf("invalid SLA definition: %w", err))
		}
		totalValidations += len(defs)

		// Don't wait until the end to show validation per file.
		logger := logger.WithValues(log.Kv{"file": validation.File})
		logger.Debugf("File validated")
		for _, err := range validation.Errs {
			logger.Errorf("%s", err)
		}
	}

	// Check if we need to return an error.
	for _, v := range validations {
		if len(v.Errs) != 0 {
			return fmt.Errorf("validation failed")
		}
	}

	logger.WithValues(log.Kv{"sla-definitions": totalValidations}).Infof("Validation succeeded")
	return nil
}

type fileValidation struct {
	File string
	Errs []error
}
