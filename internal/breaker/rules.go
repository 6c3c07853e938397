// Package breaker implements the Circuit Breaker State Machine (spec
// §4.E): an event-driven set of active triggers that compose into
// ceiling/floor clamps and long/short scoring multipliers applied on
// top of the Composite Bias Engine's output. This is a market-event
// state machine, distinct from the fault-tolerance breaker
// (sony/gobreaker) wrapping the external price provider in
// internal/outcome — see that package for the latter.
//
// The declarative rule table mirrors the teacher's
// internal/gates/thresholds.go pattern: a YAML file loaded once at
// boot into an in-memory lookup table, with a built-in default usable
// without a config file present.
package breaker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/model"
)

// Effect is what engaging one trigger contributes to the composed
// breaker state.
type Effect struct {
	Ceiling    *model.BiasLevel
	Floor      *model.BiasLevel
	LongMult   float64
	ShortMult  float64
	ClearAll   bool
}

type fileEffect struct {
	Ceiling   string  `yaml:"ceiling"`
	Floor     string  `yaml:"floor"`
	LongMult  float64 `yaml:"long_mult"`
	ShortMult float64 `yaml:"short_mult"`
	ClearAll  bool    `yaml:"clear_all"`
}

type fileRule struct {
	Trigger string     `yaml:"trigger"`
	Effect  fileEffect `yaml:"effect"`
}

type fileConfig struct {
	Rules []fileRule `yaml:"rules"`
}

// RuleSet is the boot-time-loaded, read-only trigger → Effect table.
type RuleSet struct {
	byTrigger map[string]Effect
}

// DefaultRuleSet returns the six named triggers from the spec's rule
// table, used when no rule file is configured (tests, local dev).
func DefaultRuleSet() *RuleSet {
	toroMinor := model.ToroMinor
	ursaMinor := model.UrsaMinor

	return &RuleSet{byTrigger: map[string]Effect{
		"SPY_DOWN_1PCT": {Ceiling: &toroMinor, LongMult: 0.90, ShortMult: 1.10},
		"SPY_DOWN_2PCT": {Floor: &ursaMinor, LongMult: 0.75, ShortMult: 1.30},
		"VIX_SPIKE":     {Ceiling: &toroMinor, LongMult: 0.85, ShortMult: 1.15},
		"VIX_EXTREME":   {Ceiling: &toroMinor, Floor: &ursaMinor, LongMult: 0.70, ShortMult: 1.30},
		"SPY_UP_2PCT":   {Floor: &ursaMinor, LongMult: 1.10, ShortMult: 0.90},
		"SPY_RECOVERY":  {ClearAll: true, LongMult: 1.00, ShortMult: 1.00},
	}}
}

// LoadRuleSet reads a breaker rule table from YAML. A malformed file is
// fatal CONFIG_INVALID, consistent with the Factor Registry's loader.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.ConfigInvalid, "read breaker rule table", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, bierrors.Wrap(bierrors.ConfigInvalid, "parse breaker rule table", err)
	}

	rs := &RuleSet{byTrigger: make(map[string]Effect, len(fc.Rules))}
	for _, rule := range fc.Rules {
		if rule.Trigger == "" {
			return nil, bierrors.New(bierrors.ConfigInvalid, "breaker rule missing trigger name")
		}
		effect := Effect{
			LongMult:  rule.Effect.LongMult,
			ShortMult: rule.Effect.ShortMult,
			ClearAll:  rule.Effect.ClearAll,
		}
		if rule.Effect.Ceiling != "" {
			lvl, err := parseBiasLevel(rule.Effect.Ceiling)
			if err != nil {
				return nil, bierrors.Wrap(bierrors.ConfigInvalid, fmt.Sprintf("rule %s: ceiling", rule.Trigger), err)
			}
			effect.Ceiling = &lvl
		}
		if rule.Effect.Floor != "" {
			lvl, err := parseBiasLevel(rule.Effect.Floor)
			if err != nil {
				return nil, bierrors.Wrap(bierrors.ConfigInvalid, fmt.Sprintf("rule %s: floor", rule.Trigger), err)
			}
			effect.Floor = &lvl
		}
		if _, dup := rs.byTrigger[rule.Trigger]; dup {
			return nil, bierrors.New(bierrors.ConfigInvalid, fmt.Sprintf("duplicate breaker rule %s", rule.Trigger))
		}
		rs.byTrigger[rule.Trigger] = effect
	}

	if len(rs.byTrigger) == 0 {
		return nil, bierrors.New(bierrors.ConfigInvalid, "breaker rule table has no rules")
	}
	return rs, nil
}

// Lookup returns the Effect for a trigger name, if known.
func (rs *RuleSet) Lookup(trigger string) (Effect, bool) {
	e, ok := rs.byTrigger[trigger]
	return e, ok
}

func parseBiasLevel(s string) (model.BiasLevel, error) {
	switch s {
	case "URSA_MAJOR":
		return model.UrsaMajor, nil
	case "URSA_MINOR":
		return model.UrsaMinor, nil
	case "NEUTRAL":
		return model.Neutral, nil
	case "TORO_MINOR":
		return model.ToroMinor, nil
	case "TORO_MAJOR":
		return model.ToroMajor, nil
	default:
		return 0, fmt.Errorf("unknown bias level %q", s)
	}
}
