package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"billtracker/internal/taxonomy"

	"gopkg.in/yaml.v3"
)

// RuleFile holds site-specific rows appended to the built-in table.
//
//	rules:
//	  - name: final_passage
//	    group: completion
//	    phrase: "final passage"
//	    stage: passed_3rd_reading
//	    confidence: 0.9
type RuleFile struct {
	Rules []RuleRow `yaml:"rules"`
}

type RuleRow struct {
	Name       string  `yaml:"name"`
	Group      string  `yaml:"group"`
	Phrase     string  `yaml:"phrase,omitempty"`
	Pattern    string  `yaml:"pattern,omitempty"`
	Stage      string  `yaml:"stage"`
	Confidence float64 `yaml:"confidence"`
}

func LoadRuleFile(path string, tax *taxonomy.Taxonomy) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}

	out := make([]Rule, 0, len(f.Rules))
	for i, row := range f.Rules {
		r, err := row.compile(tax)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, row.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (row RuleRow) compile(tax *taxonomy.Taxonomy) (Rule, error) {
	group, err := ParseGroup(row.Group)
	if err != nil {
		return Rule{}, err
	}

	stage := strings.TrimSpace(row.Stage)
	if strings.HasPrefix(stage, "@") {
		if _, ok := resolvers[stage]; !ok {
			return Rule{}, fmt.Errorf("unknown resolver %q", stage)
		}
	} else if !tax.Known(stage) {
		return Rule{}, fmt.Errorf("unknown stage %q", stage)
	}

	if row.Confidence <= 0 || row.Confidence > 1 {
		return Rule{}, fmt.Errorf("confidence %.2f must be in (0,1]", row.Confidence)
	}

	var source string
	switch {
	case strings.TrimSpace(row.Pattern) != "":
		source = row.Pattern
	case strings.TrimSpace(row.Phrase) != "":
		source = `\b` + regexp.QuoteMeta(strings.TrimSpace(row.Phrase)) + `\b`
	default:
		return Rule{}, fmt.Errorf("rule needs a phrase or a pattern")
	}
	pattern, err := regexp.Compile(`(?i)` + source)
	if err != nil {
		return Rule{}, fmt.Errorf("compile pattern: %w", err)
	}

	name := strings.TrimSpace(row.Name)
	if name == "" {
		name = "custom_" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(row.Phrase)), " ", "_")
	}
	return Rule{
		Group:      group,
		Name:       name,
		Pattern:    pattern,
		Stage:      stage,
		Confidence: row.Confidence,
	}, nil
}
