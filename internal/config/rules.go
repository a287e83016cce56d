package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/readsync/internal/cache"
)

// RulesFile is the on-disk form of a cache rule set.
type RulesFile struct {
	Version int          `yaml:"version"`
	Rules   []cache.Rule `yaml:"rules"`
}

// LoadRules reads and compiles a rules file.
func LoadRules(path string) (*cache.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a rules document. Unknown keys are
// rejected so a typo cannot silently widen a rule.
func ParseRules(data []byte) (*cache.RuleSet, error) {
	var f RulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if f.Version <= 0 {
		return nil, fmt.Errorf("%w: version must be positive", cache.ErrInvalidRule)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", cache.ErrInvalidRule)
	}
	return cache.Compile(f.Version, f.Rules)
}

// RuleSet returns the configured rules, or the built-in set when no rules
// file is configured.
func (c *Config) RuleSet() (*cache.RuleSet, error) {
	if c.RulesFile == "" {
		return cache.DefaultRuleSet(), nil
	}
	return LoadRules(c.RulesFile)
}
