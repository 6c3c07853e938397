package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sawpanic/biasengine/internal/model"
)

const testFactorsYAML = `
factors:
  - id: credit_spreads
    weight_nominal: 0.18
    staleness_budget: 6h
    owner: scheduler.market_data
    enabled: true
  - id: vix_term
    weight_nominal: 0.16
    staleness_budget: 4h
    owner: scheduler.vix
    contrarian: true
    enabled: true
  - id: disabled_factor
    weight_nominal: 0.05
    staleness_budget: 1h
    owner: scheduler.market_data
    enabled: false
`

func writeTempRegistry(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factors.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp registry: %v", err)
	}
	return path
}

func TestLoad_ValidRegistry(t *testing.T) {
	path := writeTempRegistry(t, testFactorsYAML)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	meta, ok := reg.Lookup("credit_spreads")
	if !ok {
		t.Fatal("expected credit_spreads to be found")
	}
	if meta.WeightNominal != 0.18 {
		t.Errorf("expected weight 0.18, got %v", meta.WeightNominal)
	}

	vixMeta, ok := reg.Lookup("vix_term")
	if !ok || !vixMeta.Contrarian {
		t.Error("expected vix_term to be found and marked contrarian")
	}

	if _, ok := reg.Lookup("disabled_factor"); ok {
		t.Error("a disabled factor must not be returned by Lookup")
	}
}

func TestLoad_MissingOwnerIsConfigInvalid(t *testing.T) {
	path := writeTempRegistry(t, `
factors:
  - id: no_owner
    weight_nominal: 0.1
    staleness_budget: 1h
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a factor with no owner")
	}
}

func TestLoad_DuplicateIDIsRejected(t *testing.T) {
	path := writeTempRegistry(t, `
factors:
  - id: credit_spreads
    weight_nominal: 0.1
    staleness_budget: 1h
    owner: scheduler.market_data
    enabled: true
  - id: credit_spreads
    weight_nominal: 0.2
    staleness_budget: 1h
    owner: scheduler.market_data
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a duplicate factor id")
	}
}

func TestOwner(t *testing.T) {
	path := writeTempRegistry(t, testFactorsYAML)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	owner, ok := reg.Owner("credit_spreads")
	if !ok || owner != "scheduler.market_data" {
		t.Errorf("expected owner scheduler.market_data, got %q (ok=%v)", owner, ok)
	}

	if _, ok := reg.Owner(model.FactorId("not_a_real_factor")); ok {
		t.Error("expected Owner to report unknown for a factor not in the registry")
	}
}

func TestSanityCheck_NoBoundsAlwaysPasses(t *testing.T) {
	path := writeTempRegistry(t, testFactorsYAML)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reg.SanityCheck("credit_spreads", "SPY", -999) {
		t.Error("a factor with no configured sanity_bounds should always pass")
	}
}
