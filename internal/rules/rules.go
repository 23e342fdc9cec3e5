// Package rules evaluates declarative column rules against company records.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/normalize"
)

// ErrInvalidRule is returned by Compile for a rule that cannot be evaluated.
var ErrInvalidRule = eris.New("rules: invalid rule")

// RuleBusinessEmail is the rule name reported by the built-in email check.
const RuleBusinessEmail = "business_email"

// Issue is one rule violation.
type Issue = model.ValidationIssue

// Record is a company keyed by column name.
type Record map[string]any

// SemanticVerdict is the answer of a SemanticValidator.
type SemanticVerdict struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues"`
}

// SemanticValidator checks a record snapshot against a free-text rubric.
type SemanticValidator interface {
	Check(ctx context.Context, snapshot Record, rubric string) (*SemanticVerdict, error)
}

// Options controls optional parts of an evaluation.
type Options struct {
	EnableCustom bool
	Validator    SemanticValidator
}

type compiled struct {
	rule    model.ColumnRule
	pattern *regexp.Regexp
	allowed map[string]bool
}

// Engine holds compiled rules. It is safe for concurrent use.
type Engine struct {
	rules []compiled
}

// Compile validates and prepares rules. Inactive rules are dropped.
func Compile(rules []model.ColumnRule) (*Engine, error) {
	e := &Engine{}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if strings.TrimSpace(r.ColumnName) == "" {
			return nil, eris.Wrapf(ErrInvalidRule, "rule %s has no column", r.ID)
		}
		c := compiled{rule: r}
		switch r.RuleType {
		case model.RuleRequired, model.RuleMinLength, model.RuleMaxLength, model.RuleCustom:
		case model.RuleFormat:
			if r.RuleConfig.Pattern != "" {
				re, err := regexp.Compile(r.RuleConfig.Pattern)
				if err != nil {
					return nil, eris.Wrapf(ErrInvalidRule, "column %s: pattern %q: %v", r.ColumnName, r.RuleConfig.Pattern, err)
				}
				c.pattern = re
			}
		case model.RuleEnum:
			if len(r.RuleConfig.Values) > 0 {
				c.allowed = make(map[string]bool, len(r.RuleConfig.Values))
				for _, v := range r.RuleConfig.Values {
					c.allowed[v] = true
				}
			}
		default:
			return nil, eris.Wrapf(ErrInvalidRule, "column %s: unknown rule type %q", r.ColumnName, r.RuleType)
		}
		e.rules = append(e.rules, c)
	}
	return e, nil
}

// Len returns the number of active rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Evaluate applies every rule to record and returns the violations. The email
// column is always checked against the business email rule when present. An
// error is returned only when the semantic validator fails.
func (e *Engine) Evaluate(ctx context.Context, record Record, opts Options) ([]Issue, error) {
	var issues []Issue
	for _, c := range e.rules {
		value := record[c.rule.ColumnName]
		if c.rule.RuleType == model.RuleCustom {
			custom, err := evaluateCustom(ctx, c.rule, record, opts)
			if err != nil {
				return nil, err
			}
			issues = append(issues, custom...)
			continue
		}
		if !c.passes(value) {
			issues = append(issues, Issue{
				Column:  c.rule.ColumnName,
				Rule:    string(c.rule.RuleType),
				Message: message(c.rule),
			})
		}
	}

	if email, ok := record["email"].(string); ok && strings.TrimSpace(email) != "" && !normalize.IsBusinessEmail(email) {
		issues = append(issues, Issue{
			Column:  "email",
			Rule:    RuleBusinessEmail,
			Message: "email must be a valid business address",
		})
	}
	return issues, nil
}

func (c compiled) passes(value any) bool {
	switch c.rule.RuleType {
	case model.RuleRequired:
		return present(value)
	case model.RuleFormat:
		if c.pattern == nil || !present(value) {
			return true
		}
		for _, s := range stringsOf(value) {
			if !c.pattern.MatchString(s) {
				return false
			}
		}
	case model.RuleEnum:
		if c.allowed == nil || !present(value) {
			return true
		}
		for _, s := range stringsOf(value) {
			if !c.allowed[s] {
				return false
			}
		}
	case model.RuleMinLength:
		s, ok := value.(string)
		if !ok || s == "" || c.rule.RuleConfig.Min <= 0 {
			return true
		}
		return utf8.RuneCountInString(s) >= c.rule.RuleConfig.Min
	case model.RuleMaxLength:
		s, ok := value.(string)
		if !ok || s == "" || c.rule.RuleConfig.Max <= 0 {
			return true
		}
		return utf8.RuneCountInString(s) <= c.rule.RuleConfig.Max
	}
	return true
}

func evaluateCustom(ctx context.Context, r model.ColumnRule, record Record, opts Options) ([]Issue, error) {
	if !opts.EnableCustom || opts.Validator == nil {
		return nil, nil
	}
	verdict, err := opts.Validator.Check(ctx, record, r.RuleConfig.Prompt)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: custom check on %s", r.ColumnName)
	}
	if verdict == nil || verdict.IsValid {
		return nil, nil
	}
	if r.ErrorMessage != "" || len(verdict.Issues) == 0 {
		return []Issue{{Column: r.ColumnName, Rule: string(r.RuleType), Message: message(r)}}, nil
	}
	out := make([]Issue, 0, len(verdict.Issues))
	for _, msg := range verdict.Issues {
		out = append(out, Issue{Column: r.ColumnName, Rule: string(r.RuleType), Message: msg})
	}
	return out, nil
}

func present(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []string:
		return len(v) > 0
	case *bool:
		return v != nil
	default:
		return true
	}
}

func stringsOf(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	default:
		return []string{fmt.Sprint(v)}
	}
}

func message(r model.ColumnRule) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	switch r.RuleType {
	case model.RuleRequired:
		return fmt.Sprintf("%s is required", r.ColumnName)
	case model.RuleFormat:
		return fmt.Sprintf("%s has an invalid format", r.ColumnName)
	case model.RuleEnum:
		return fmt.Sprintf("%s must be one of: %s", r.ColumnName, strings.Join(r.RuleConfig.Values, ", "))
	case model.RuleMinLength:
		return fmt.Sprintf("%s must be at least %d characters", r.ColumnName, r.RuleConfig.Min)
	case model.RuleMaxLength:
		return fmt.Sprintf("%s must be at most %d characters", r.ColumnName, r.RuleConfig.Max)
	default:
		return fmt.Sprintf("%s failed the %s check", r.ColumnName, r.RuleType)
	}
}
