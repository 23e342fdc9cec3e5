package model

import "time"

// RuleType selects how a ColumnRule is evaluated.
type RuleType string

const (
	RuleRequired  RuleType = "required"
	RuleFormat    RuleType = "format"
	RuleEnum      RuleType = "enum"
	RuleMinLength RuleType = "min_length"
	RuleMaxLength RuleType = "max_length"
	RuleCustom    RuleType = "custom"
)

// RuleConfig is the type-specific payload of a rule. Only the fields relevant
// to the rule type are set.
type RuleConfig struct {
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Values  []string `json:"values,omitempty" yaml:"values,omitempty"`
	Min     int      `json:"min,omitempty" yaml:"min,omitempty"`
	Max     int      `json:"max,omitempty" yaml:"max,omitempty"`
	Prompt  string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// ColumnRule is a declarative validation rule applied to one company column.
type ColumnRule struct {
	ID           string     `json:"id"`
	ColumnName   string     `json:"column_name"`
	RuleType     RuleType   `json:"rule_type"`
	RuleConfig   RuleConfig `json:"rule_config"`
	ErrorMessage string     `json:"error_message,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PromptStep identifies which stage a prompt template belongs to.
type PromptStep string

const (
	PromptClean               PromptStep = "clean"
	PromptResearchAddress     PromptStep = "research_address"
	PromptResearchDescription PromptStep = "research_description"
	PromptValidate            PromptStep = "validate"
)

// Prompt is a stored provider prompt template.
type Prompt struct {
	ID        string     `json:"id"`
	Step      PromptStep `json:"step"`
	Name      string     `json:"name"`
	Template  string     `json:"template"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
