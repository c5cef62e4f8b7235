package governance

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule set errors. A rule set that fails validation must not be applied;
// the daemon refuses to start rather than run with undefined policy.
var (
	ErrNoRules         = errors.New("rule set contains no rules")
	ErrDuplicateRule   = errors.New("duplicate rule name")
	ErrUnknownRuleKind = errors.New("unknown rule kind")
)

// RuleKind identifies the condition type of a policy rule. Rules are data,
// not code: each kind is interpreted by the daemon, so policy changes never
// require a redeploy.
type RuleKind string

const (
	// RuleConsecutiveRejects fires reduce_exposure when a strategy collects
	// Threshold risk rejections inside WindowSeconds.
	RuleConsecutiveRejects RuleKind = "consecutive_rejects"

	// RuleDrawdownPause fires pause_trading when the drawdown reported on
	// metrics.update reaches DrawdownPct.
	RuleDrawdownPause RuleKind = "drawdown_pause"

	// RuleCanaryPromote fires promote_model when the canary model's score
	// beats the active model's by Margin for Threshold consecutive
	// metric updates.
	RuleCanaryPromote RuleKind = "canary_promote"

	// RuleRejectRateAlert publishes alert.governance only, no state change
	RuleRejectRateAlert RuleKind = "reject_rate_alert"
)

// Rule is one declarative policy rule
type Rule struct {
	Name          string   `yaml:"name"`
	Kind          RuleKind `yaml:"kind"`
	Strategy      string   `yaml:"strategy,omitempty"` // empty = evaluated per strategy
	Threshold     int      `yaml:"threshold,omitempty"`
	WindowSeconds int      `yaml:"window_seconds,omitempty"`
	Factor        float64  `yaml:"factor,omitempty"`
	DrawdownPct   float64  `yaml:"drawdown_pct,omitempty"`
	Margin        float64  `yaml:"margin,omitempty"`
}

// RuleSet is a loaded policy document
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRuleSet reads and validates a YAML policy file. Any validation
// failure is fatal configuration: callers must refuse to trade with a
// malformed rule set.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", path, err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet parses and validates a YAML policy document
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks every rule's kind and parameters
func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return ErrNoRules
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
		}
		seen[r.Name] = true

		switch r.Kind {
		case RuleConsecutiveRejects, RuleRejectRateAlert:
			if r.Threshold <= 0 {
				return fmt.Errorf("rule %s: threshold must be positive", r.Name)
			}
			if r.WindowSeconds <= 0 {
				return fmt.Errorf("rule %s: window_seconds must be positive", r.Name)
			}
			if r.Kind == RuleConsecutiveRejects && (r.Factor <= 0 || r.Factor >= 1) {
				return fmt.Errorf("rule %s: factor must be in (0, 1)", r.Name)
			}
		case RuleDrawdownPause:
			if r.DrawdownPct <= 0 {
				return fmt.Errorf("rule %s: drawdown_pct must be positive", r.Name)
			}
		case RuleCanaryPromote:
			if r.Threshold <= 0 {
				return fmt.Errorf("rule %s: threshold must be positive", r.Name)
			}
			if r.Margin < 0 {
				return fmt.Errorf("rule %s: margin cannot be negative", r.Name)
			}
		default:
			return fmt.Errorf("%w: %q in rule %s", ErrUnknownRuleKind, r.Kind, r.Name)
		}
	}
	return nil
}
