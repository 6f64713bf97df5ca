package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lucks-13/foodtrace-capstone/pkg/risk"
)

// RiskProfile overrides the risk classification. With no rules the default
// three-tier policy is built from Thresholds; unset thresholds keep their
// defaults.
type RiskProfile struct {
	Name       string          `yaml:"name" json:"name"`
	Tiers      []risk.Tier     `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
	Rules      []risk.Rule     `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ThresholdConfig uses pointers so an omitted key is distinguishable from 0.
type ThresholdConfig struct {
	HighArea    *float64 `yaml:"high_area,omitempty" json:"high_area,omitempty"`
	HighRecords *int     `yaml:"high_records,omitempty" json:"high_records,omitempty"`
	MediumArea  *float64 `yaml:"medium_area,omitempty" json:"medium_area,omitempty"`
}

// LoadRiskProfile loads a risk profile YAML.
func LoadRiskProfile(path string) (*RiskProfile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load risk profile: %w", err)
	}

	var profile RiskProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse risk profile %q: %w", path, err)
	}
	return &profile, nil
}

// Policy resolves the profile into a risk policy.
func (p *RiskProfile) Policy() risk.Policy {
	if p == nil {
		return risk.DefaultPolicy(risk.DefaultThresholds())
	}
	if len(p.Rules) == 0 {
		th := risk.DefaultThresholds()
		if p.Thresholds.HighArea != nil {
			th.HighArea = *p.Thresholds.HighArea
		}
		if p.Thresholds.HighRecords != nil {
			th.HighRecords = *p.Thresholds.HighRecords
		}
		if p.Thresholds.MediumArea != nil {
			th.MediumArea = *p.Thresholds.MediumArea
		}
		return risk.DefaultPolicy(th)
	}

	tiers := p.Tiers
	if len(tiers) == 0 {
		tiers = []risk.Tier{risk.TierHigh, risk.TierMedium, risk.TierLow}
	}
	return risk.Policy{Tiers: tiers, Rules: p.Rules}
}
