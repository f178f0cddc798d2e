package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pnlbloom/pnl-engine/internal/engine"
	"github.com/pnlbloom/pnl-engine/internal/funding"
)

// LoadPolicy reads an engine policy file. Keys absent from the file keep
// their production defaults.
//
//	default_leverage: 5
//	merge_same_exit: true
//	funding_policy: day_overlap
func LoadPolicy(path string) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over the production defaults.
func ParsePolicy(data []byte) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse policy: %w", err)
	}
	if !cfg.DefaultLeverage.IsPositive() {
		return cfg, fmt.Errorf("default_leverage must be positive, got %s", cfg.DefaultLeverage)
	}
	if _, err := funding.New(cfg.FundingPolicy, nil); err != nil {
		return cfg, err
	}
	return cfg, nil
}
