package commands

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/slaguard/slaguard/internal/log"
)

func discoverSLAManifests(logger log.Logger, exclude, include *regexp.Regexp, path string) ([]string, error) {
	logger = logger.WithValues(log.Kv{"svc": "SLADiscovery"})

	paths := []string{}
	err := filepath.Walk(path, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		// Directories and non YAML files don't need to be handled.
		extension := strings.ToLower(filepath.Ext(path))
		if extension != ".yml" && extension != ".yaml" {
			return nil
		}

		// Filter by exclude or include (exclude has preference).
		if exclude != nil && exclude.MatchString(path) {
			logger.Debugf("Excluding path due to exclude filter %s", path)
			return nil
		}
		if include != nil && !include.MatchString(path) {
			logger.Debugf("Excluding path due to include filter %s", path)
			return nil
		}

		// If we reach here, path discovered.
		paths = append(paths, path)

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("could not find files recursively: %w", err)
	}

	return paths, nil
}

func compileFilterRegexes(excludeRegex, includeRegex string) (exclude, include *regexp.Regexp, err error) {
	if excludeRegex != "" {
		r, err := regexp.Compile(excludeRegex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid exclude regex: %w", err)
		}
		exclude = r
	}
	if includeRegex != "" {
		r, err := regexp.Compile(includeRegex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid include regex: %w", err)
		}
		include = r
	}

	return exclude, include, nil
}
