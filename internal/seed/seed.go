// Package seed loads prompt templates, column rules and column mappings from
// YAML files.
package seed

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/supplier-pipeline/internal/mapping"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/rules"
)

// ErrInvalidSeed is returned when a seed file has an unusable entry.
var ErrInvalidSeed = eris.New("seed: invalid entry")

var promptSteps = map[model.PromptStep]bool{
	model.PromptClean:               true,
	model.PromptResearchAddress:     true,
	model.PromptResearchDescription: true,
	model.PromptValidate:            true,
}

// File is the content of a seed file.
type File struct {
	Prompts []PromptEntry `yaml:"prompts"`
	Rules   []RuleEntry   `yaml:"rules"`
}

// PromptEntry is one prompt in a seed file. Active defaults to true.
type PromptEntry struct {
	Step     model.PromptStep `yaml:"step"`
	Name     string           `yaml:"name"`
	Template string           `yaml:"template"`
	Active   *bool            `yaml:"active"`
}

// RuleEntry is one column rule in a seed file. Active defaults to true.
type RuleEntry struct {
	Column  string           `yaml:"column"`
	Type    model.RuleType   `yaml:"type"`
	Config  model.RuleConfig `yaml:"config"`
	Message string           `yaml:"message"`
	Active  *bool            `yaml:"active"`
}

// Saver persists seeded entities. store.Store satisfies it.
type Saver interface {
	SavePrompt(ctx context.Context, p *model.Prompt) error
	SaveRule(ctx context.Context, r *model.ColumnRule) error
}

// Result counts what Apply saved.
type Result struct {
	Prompts int `json:"prompts"`
	Rules   int `json:"rules"`
}

// LoadFile reads and validates a seed file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "seed: parse")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every prompt has a known step, a name and a template, and
// that the rules compile.
func (f *File) Validate() error {
	for i, p := range f.Prompts {
		if !promptSteps[p.Step] {
			return eris.Wrapf(ErrInvalidSeed, "prompt %d: unknown step %q", i, p.Step)
		}
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Template) == "" {
			return eris.Wrapf(ErrInvalidSeed, "prompt %d: name and template are required", i)
		}
	}
	if _, err := rules.Compile(f.columnRules()); err != nil {
		return eris.Wrap(err, "seed: rules")
	}
	return nil
}

// Apply saves every prompt and rule. Entries are upserted by (step, name)
// and (column, type), so applying a file twice is harmless.
func Apply(ctx context.Context, s Saver, f *File) (*Result, error) {
	res := &Result{}
	for _, e := range f.Prompts {
		p := &model.Prompt{Step: e.Step, Name: e.Name, Template: e.Template, IsActive: active(e.Active)}
		if err := s.SavePrompt(ctx, p); err != nil {
			return res, err
		}
		res.Prompts++
	}
	for _, r := range f.columnRules() {
		if err := s.SaveRule(ctx, &r); err != nil {
			return res, err
		}
		res.Rules++
	}
	zap.L().Info("seed: applied", zap.Int("prompts", res.Prompts), zap.Int("rules", res.Rules))
	return res, nil
}

func (f *File) columnRules() []model.ColumnRule {
	out := make([]model.ColumnRule, 0, len(f.Rules))
	for _, e := range f.Rules {
		out = append(out, model.ColumnRule{
			ColumnName:   e.Column,
			RuleType:     e.Type,
			RuleConfig:   e.Config,
			ErrorMessage: e.Message,
			IsActive:     active(e.Active),
		})
	}
	return out
}

func active(b *bool) bool {
	return b == nil || *b
}

// LoadMappings reads a column mapping file. It accepts either a list of
// {source, target} pairs under "mappings" or a plain source: target map.
func LoadMappings(path string) ([]model.ColumnMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read mapping %s", path)
	}
	return ParseMappings(data)
}

// ParseMappings decodes mapping YAML and validates it. The plain map form
// keeps the file's key order.
func ParseMappings(data []byte) ([]model.ColumnMapping, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "seed: parse mapping")
	}
	if len(doc.Content) == 0 {
		return nil, mapping.ErrNoMappings
	}

	var out []model.ColumnMapping
	root := doc.Content[0]
	var list struct {
		Mappings []model.ColumnMapping `yaml:"mappings"`
	}
	if err := root.Decode(&list); err == nil && list.Mappings != nil {
		out = list.Mappings
	} else if root.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(root.Content); i += 2 {
			out = append(out, model.ColumnMapping{
				SourceColumn: root.Content[i].Value,
				TargetColumn: root.Content[i+1].Value,
			})
		}
	} else {
		return nil, eris.Wrap(ErrInvalidSeed, "mapping: expected a map or a mappings list")
	}

	if err := mapping.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
