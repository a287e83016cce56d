package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/readsync/internal/store"
)

// RuleStore keeps the activated rule set across restarts.
// Implemented by store.Store.
type RuleStore interface {
	Put(ctx context.Context, namespace, key string, value []byte, at time.Time) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
}

const (
	agentNamespace = "_agent"
	activeRulesKey = "cache_rules"
)

type savedRules struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// WithRuleStore persists the active rule set on every activation.
func WithRuleStore(s RuleStore) Option {
	return func(r *Router) { r.ruleStore = s }
}

// Install reconciles the configured rule set with the one last activated.
//
// With nothing saved, or the same version saved, the configured rules stay
// active and are saved. With a different version saved, the saved rules are
// served and the configured ones are staged until the next skip_waiting.
// Returns true when rules were staged.
func (r *Router) Install(ctx context.Context) (bool, error) {
	if r.ruleStore == nil {
		return false, nil
	}
	configured := r.active.Load()
	saved, err := r.loadActive(ctx)
	if err != nil {
		return false, err
	}
	if saved == nil || saved.Version == configured.Version {
		return false, r.saveActive(ctx, configured)
	}
	r.active.Store(saved)
	r.Stage(configured)
	return true, nil
}

func (r *Router) loadActive(ctx context.Context) (*RuleSet, error) {
	data, err := r.ruleStore.Get(ctx, agentNamespace, activeRulesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	var sr savedRules
	if err := yaml.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decode active rules: %w", err)
	}
	rs, err := Compile(sr.Version, sr.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile active rules: %w", err)
	}
	return rs, nil
}

func (r *Router) saveActive(ctx context.Context, rs *RuleSet) error {
	if r.ruleStore == nil || rs == nil {
		return nil
	}
	sr := savedRules{Version: rs.Version}
	for _, cr := range rs.rules {
		sr.Rules = append(sr.Rules, cr.Rule)
	}
	data, err := yaml.Marshal(sr)
	if err != nil {
		return fmt.Errorf("encode active rules: %w", err)
	}
	if err := r.ruleStore.Put(ctx, agentNamespace, activeRulesKey, data, r.clock.Now()); err != nil {
		return fmt.Errorf("save active rules: %w", err)
	}
	return nil
}
