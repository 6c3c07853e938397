// Package registry implements the Factor Registry (spec §4.B): static,
// schema-validated configuration consumed once at boot. Hot-reload is
// out of scope — changes require a process restart, the same posture
// the teacher takes with its provider and threshold YAML files.
package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/model"
)

// SanityBounds is the [min,max] permitted range for an underlying raw
// price that feeds a price-derived factor.
type SanityBounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// FactorMeta is the registry's description of one factor (spec §3).
type FactorMeta struct {
	ID              model.FactorId          `yaml:"id"`
	WeightNominal   float64                 `yaml:"weight_nominal"`
	StalenessBudget time.Duration           `yaml:"staleness_budget"`
	Owner           string                  `yaml:"owner"`
	Contrarian      bool                    `yaml:"contrarian"`
	SanityBounds    map[string]SanityBounds `yaml:"sanity_bounds,omitempty"`
	Enabled         bool                    `yaml:"enabled"`
}

// fileFactorMeta is the on-disk YAML shape of one factor; StalenessBudget is parsed from a
// duration string (e.g. "6h") rather than a raw time.Duration so the
// config stays human-editable.
type fileFactorMeta struct {
	ID              string                  `yaml:"id"`
	WeightNominal   float64                 `yaml:"weight_nominal"`
	StalenessBudget string                  `yaml:"staleness_budget"`
	Owner           string                  `yaml:"owner"`
	Contrarian      bool                    `yaml:"contrarian"`
	SanityBounds    map[string]SanityBounds `yaml:"sanity_bounds,omitempty"`
	Enabled         bool                    `yaml:"enabled"`
}

type fileConfig struct {
	Factors []fileFactorMeta `yaml:"factors"`
}

// Registry is the immutable, boot-time factor catalogue.
type Registry struct {
	byID map[model.FactorId]FactorMeta
}

// Load reads and validates a Factor Registry YAML file. A malformed or
// schema-invalid registry is fatal (CONFIG_INVALID) — the process must
// refuse to start rather than run with a partial catalogue.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.ConfigInvalid, "read factor registry", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, bierrors.Wrap(bierrors.ConfigInvalid, "parse factor registry", err)
	}

	reg := &Registry{byID: make(map[model.FactorId]FactorMeta, len(fc.Factors))}
	for _, f := range fc.Factors {
		if f.ID == "" {
			return nil, bierrors.New(bierrors.ConfigInvalid, "factor entry missing id")
		}
		if f.WeightNominal < 0 {
			return nil, bierrors.New(bierrors.ConfigInvalid, fmt.Sprintf("factor %s: negative weight_nominal", f.ID))
		}
		if f.Owner == "" {
			return nil, bierrors.New(bierrors.ConfigInvalid, fmt.Sprintf("factor %s: missing owner", f.ID))
		}
		budget, err := time.ParseDuration(f.StalenessBudget)
		if err != nil {
			return nil, bierrors.Wrap(bierrors.ConfigInvalid, fmt.Sprintf("factor %s: invalid staleness_budget", f.ID), err)
		}
		id := model.FactorId(f.ID)
		if _, dup := reg.byID[id]; dup {
			return nil, bierrors.New(bierrors.ConfigInvalid, fmt.Sprintf("duplicate factor id %s", f.ID))
		}
		reg.byID[id] = FactorMeta{
			ID:              id,
			WeightNominal:   f.WeightNominal,
			StalenessBudget: budget,
			Owner:           f.Owner,
			Contrarian:      f.Contrarian,
			SanityBounds:    f.SanityBounds,
			Enabled:         f.Enabled,
		}
	}

	if len(reg.byID) == 0 {
		return nil, bierrors.New(bierrors.ConfigInvalid, "factor registry has no factors")
	}

	return reg, nil
}

// Lookup returns the metadata for a factor id, if known and enabled.
func (r *Registry) Lookup(id model.FactorId) (FactorMeta, bool) {
	m, ok := r.byID[id]
	if !ok || !m.Enabled {
		return FactorMeta{}, false
	}
	return m, true
}

// Owner returns the sole producer identity allowed to write id's latest
// reading, or ("", false) if id is unknown.
func (r *Registry) Owner(id model.FactorId) (string, bool) {
	m, ok := r.Lookup(id)
	if !ok {
		return "", false
	}
	return m.Owner, true
}

// Enabled returns the metadata of every enabled factor, in stable
// ascending id order.
func (r *Registry) Enabled() []FactorMeta {
	out := make([]FactorMeta, 0, len(r.byID))
	for _, m := range r.byID {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sortFactorMeta(out)
	return out
}

// SanityCheck validates a raw price for a factor's underlying symbol
// against the registry's configured bounds. A factor with no configured
// bounds for the symbol always passes.
func (r *Registry) SanityCheck(id model.FactorId, symbol string, price float64) bool {
	m, ok := r.Lookup(id)
	if !ok || m.SanityBounds == nil {
		return true
	}
	bounds, ok := m.SanityBounds[symbol]
	if !ok {
		return true
	}
	return price >= bounds.Min && price <= bounds.Max
}

func sortFactorMeta(ms []FactorMeta) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].ID < ms[j-1].ID; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}
