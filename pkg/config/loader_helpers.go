package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values are treated as unset
// except for booleans, which are merged only when the raw YAML names them.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Memory.TTL != 0 {
		base.Memory.TTL = override.Memory.TTL
	}
	if override.Memory.MaxHistory != 0 {
		base.Memory.MaxHistory = override.Memory.MaxHistory
	}

	if override.Gate.MaxRetries != 0 {
		base.Gate.MaxRetries = override.Gate.MaxRetries
	}
	if boolFieldSet(raw, "gate", "require_consent") {
		base.Gate.RequireConsent = override.Gate.RequireConsent
	}

	if override.Token.Prefix != "" {
		base.Token.Prefix = override.Token.Prefix
	}
	if override.Token.Length != 0 {
		base.Token.Length = override.Token.Length
	}

	if override.Oracle.BaseURL != "" {
		base.Oracle.BaseURL = override.Oracle.BaseURL
	}
	if override.Oracle.Model != "" {
		base.Oracle.Model = override.Oracle.Model
	}
	if override.Oracle.APIKey != "" {
		base.Oracle.APIKey = override.Oracle.APIKey
	}
	if override.Oracle.Timeout != 0 {
		base.Oracle.Timeout = override.Oracle.Timeout
	}
	if override.Oracle.RateLimit != 0 {
		base.Oracle.RateLimit = override.Oracle.RateLimit
	}
	if override.Oracle.Burst != 0 {
		base.Oracle.Burst = override.Oracle.Burst
	}
	if override.Oracle.MaxRetries != 0 {
		base.Oracle.MaxRetries = override.Oracle.MaxRetries
	}

	if override.Storage.DataDir != "" {
		base.Storage.DataDir = override.Storage.DataDir
	}
	if override.Storage.DatabaseFile != "" {
		base.Storage.DatabaseFile = override.Storage.DatabaseFile
	}
	if override.Storage.ReportDir != "" {
		base.Storage.ReportDir = override.Storage.ReportDir
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if boolFieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
}

// boolFieldSet reports whether a (possibly nested) key path appears in the raw YAML.
func boolFieldSet(raw map[string]any, path ...string) bool {
	if raw == nil {
		return false
	}
	current := raw
	for i, key := range path {
		val, ok := current[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	return false
}
