// Package config provides configuration loading helpers.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// searchPaths lists the config file locations probed when no explicit path is given.
var searchPaths = []string{
	"config.yaml",
	"/etc/nightshift/config.yaml",
}

// envReferencePattern matches ${ENV_VAR} references in config values.
var envReferencePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from the provided path, or from the first search
// path that exists when path is empty, resolves ${ENV_VAR} references, and
// applies documented defaults.
func Load(path string, warn func(string)) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	if resolved == "" {
		// No config file is fine; run on defaults.
		return Defaults(), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", resolved, err)
	}

	expanded := resolveEnvReferences(string(data), warn)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", resolved, err)
	}
	return ApplyDefaults(cfg, warn), nil
}

// resolvePath returns the config file to load, or empty when none exists.
func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("stat config %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range searchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config %s: %w", candidate, err)
		}
	}
	return "", nil
}

// resolveEnvReferences substitutes ${ENV_VAR} references with environment
// values, warning on unset variables and leaving the reference in place.
func resolveEnvReferences(content string, warn func(string)) string {
	return envReferencePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envReferencePattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			emitWarning(warn, "environment variable "+name+" not set")
			return match
		}
		return value
	})
}
