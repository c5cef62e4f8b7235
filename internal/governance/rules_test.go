package governance

import (
	"errors"
	"testing"
)

const validPolicy = `
rules:
  - name: trend-reject-guard
    kind: consecutive_rejects
    threshold: 3
    window_seconds: 60
    factor: 0.5
  - name: global-drawdown-stop
    kind: drawdown_pause
    drawdown_pct: 10.0
  - name: canary-rollout
    kind: canary_promote
    threshold: 5
    margin: 0.02
  - name: reject-noise
    kind: reject_rate_alert
    threshold: 20
    window_seconds: 300
`

func TestParseValidRuleSet(t *testing.T) {
	rs, err := ParseRuleSet([]byte(validPolicy))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rs.Rules) != 4 {
		t.Fatalf("expected 4 rules, got %d", len(rs.Rules))
	}
	if rs.Rules[0].Kind != RuleConsecutiveRejects || rs.Rules[0].Factor != 0.5 {
		t.Errorf("first rule parsed wrong: %+v", rs.Rules[0])
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := ParseRuleSet([]byte("rules: [}")); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestValidateRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty set", "rules: []"},
		{"unknown kind", "rules:\n  - name: x\n    kind: bogus"},
		{"missing name", "rules:\n  - kind: drawdown_pause\n    drawdown_pct: 5"},
		{"zero threshold", "rules:\n  - name: x\n    kind: consecutive_rejects\n    window_seconds: 30\n    factor: 0.5"},
		{"factor one", "rules:\n  - name: x\n    kind: consecutive_rejects\n    threshold: 3\n    window_seconds: 30\n    factor: 1.0"},
		{"negative drawdown", "rules:\n  - name: x\n    kind: drawdown_pause\n    drawdown_pct: -1"},
	}
	for _, tc := range cases {
		if _, err := ParseRuleSet([]byte(tc.doc)); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	doc := `
rules:
  - name: same
    kind: drawdown_pause
    drawdown_pct: 5
  - name: same
    kind: drawdown_pause
    drawdown_pct: 8
`
	_, err := ParseRuleSet([]byte(doc))
	if !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
}
