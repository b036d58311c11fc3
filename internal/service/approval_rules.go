package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

var ruleOperators = map[string]bool{
	"eq": true, "neq": true, "lt": true, "lte": true, "gt": true, "gte": true, "in": true, "exists": true,
}

// MatchAutoApprovalRule returns the first active rule, by ascending priority,
// whose scope matches and whose conditions all hold against metadata. Rules
// without conditions never match.
func MatchAutoApprovalRule(rules []*repository.AutoApprovalRule, approvalType string, kind repository.EntityKind, metadata map[string]any) *repository.AutoApprovalRule {
	ordered := make([]*repository.AutoApprovalRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, r := range ordered {
		if r.ApprovalType != nil && *r.ApprovalType != approvalType {
			continue
		}
		if r.EntityType != nil && *r.EntityType != kind {
			continue
		}
		if len(r.Conditions) == 0 {
			continue
		}
		matched := true
		for _, c := range r.Conditions {
			if !conditionHolds(c, metadata) {
				matched = false
				break
			}
		}
		if matched {
			return r
		}
	}
	return nil
}

func conditionHolds(c repository.RuleCondition, metadata map[string]any) bool {
	actual, ok := lookupField(metadata, c.Field)
	if c.Operator == "exists" {
		return ok
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case "eq":
		return valuesEqual(actual, c.Value)
	case "neq":
		return !valuesEqual(actual, c.Value)
	case "in":
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if valuesEqual(actual, v) {
				return true
			}
		}
		return false
	case "lt", "lte", "gt", "gte":
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Operator {
		case "lt":
			return a < b
		case "lte":
			return a <= b
		case "gt":
			return a > b
		default:
			return a >= b
		}
	}
	return false
}

// lookupField resolves a dotted path through nested maps.
func lookupField(metadata map[string]any, path string) (any, bool) {
	var cur any = metadata
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ── Rule files ───────────────────────────────────────────────────────────────

type ruleFile struct {
	Rules []*repository.AutoApprovalRule `yaml:"rules"`
}

// LoadAutoApprovalRules parses a YAML document with a top-level "rules" list
// and validates every entry.
func LoadAutoApprovalRules(r io.Reader) ([]*repository.AutoApprovalRule, error) {
	var doc ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode auto-approval rules: %w", err)
	}

	for i, rule := range doc.Rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if rule.OrganizationID == "" {
			return nil, fmt.Errorf("rule %q: organization_id is required", rule.Name)
		}
		if rule.Reason == "" {
			return nil, fmt.Errorf("rule %q: reason is required", rule.Name)
		}
		if len(rule.Conditions) == 0 {
			return nil, fmt.Errorf("rule %q: at least one condition is required", rule.Name)
		}
		if rule.EntityType != nil {
			if _, err := repository.ParseEntityKind(string(*rule.EntityType)); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}
		for _, c := range rule.Conditions {
			if c.Field == "" {
				return nil, fmt.Errorf("rule %q: condition field is required", rule.Name)
			}
			if !ruleOperators[c.Operator] {
				return nil, fmt.Errorf("rule %q: unknown operator %q", rule.Name, c.Operator)
			}
		}
	}
	return doc.Rules, nil
}

// RuleStore receives seeded auto-approval rules.
type RuleStore interface {
	UpsertAutoApprovalRule(ctx context.Context, rule *repository.AutoApprovalRule) error
}

// SeedAutoApprovalRules writes rules, keyed by organization and name.
func SeedAutoApprovalRules(ctx context.Context, store RuleStore, rules []*repository.AutoApprovalRule) (int, error) {
	for _, rule := range rules {
		if rule.ID == "" {
			rule.ID = stableID(rule.OrganizationID, "rule", rule.Name)
		}
		if err := store.UpsertAutoApprovalRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("seed rule %q: %w", rule.Name, err)
		}
	}
	return len(rules), nil
}
