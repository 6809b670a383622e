// Package match resolves vendor sets and vendor cards against the
// canonical catalog.
package match

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed tuning.yaml
var defaultTuning []byte

// Tuning holds the set-matcher scoring parameters. The embedded defaults
// can be overridden by a YAML file named in config.
type Tuning struct {
	Weights struct {
		ExactName    float64 `yaml:"exact_name"`
		Substring    float64 `yaml:"substring"`
		TokenOverlap float64 `yaml:"token_overlap"`
	} `yaml:"weights"`
	MinScore  float64 `yaml:"min_score"`
	Penalties struct {
		PromoMismatch  float64 `yaml:"promo_mismatch"`
		EnergyMismatch float64 `yaml:"energy_mismatch"`
	} `yaml:"penalties"`
	PromoKeywords  []string          `yaml:"promo_keywords"`
	EnergyKeywords []string          `yaml:"energy_keywords"`
	EraExpansions  map[string]string `yaml:"era_expansions"`
}

// DefaultTuning parses the embedded tuning file.
func DefaultTuning() (Tuning, error) {
	var t Tuning
	if err := yaml.Unmarshal(defaultTuning, &t); err != nil {
		return t, eris.Wrap(err, "match: parse embedded tuning")
	}
	return t, t.Validate()
}

// LoadTuning returns the embedded defaults, or the parsed contents of path
// when it is non-empty.
func LoadTuning(path string) (Tuning, error) {
	if path == "" {
		return DefaultTuning()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, eris.Wrapf(err, "match: read tuning file %s", path)
	}
	var t Tuning
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, eris.Wrapf(err, "match: parse tuning file %s", path)
	}
	return t, t.Validate()
}

// Validate checks the tuning for internal consistency.
func (t Tuning) Validate() error {
	var errs []string
	weights := map[string]float64{
		"exact_name":    t.Weights.ExactName,
		"substring":     t.Weights.Substring,
		"token_overlap": t.Weights.TokenOverlap,
	}
	for name, w := range weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("weights.%s must be >= 0", name))
		}
	}
	if t.Weights.ExactName <= t.Weights.Substring {
		errs = append(errs, "weights.exact_name must exceed weights.substring")
	}
	if t.MinScore < 0 {
		errs = append(errs, "min_score must be >= 0")
	}
	if t.Penalties.PromoMismatch < 0 || t.Penalties.EnergyMismatch < 0 {
		errs = append(errs, "penalties must be >= 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("match: tuning validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
