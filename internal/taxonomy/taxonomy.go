// Package taxonomy loads the fixed, ordered catalog of legislative stages.
// A Taxonomy is immutable once loaded and safe for concurrent use.
package taxonomy

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strings"

	"billtracker/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultStages []byte

type Transition struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type document struct {
	Stages          []domain.Stage `yaml:"stages"`
	AllowedBackward []Transition   `yaml:"allowed_backward"`
}

type Taxonomy struct {
	stages   []domain.Stage
	index    map[string]int
	backward map[Transition]bool
}

// Default returns the built-in taxonomy.
func Default() (*Taxonomy, error) {
	return Parse(defaultStages)
}

// Load reads a taxonomy from path, or the built-in one when path is empty.
func Load(path string) (*Taxonomy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

// MustLoad is Load for process start: an unknown or malformed stage catalog
// is a configuration error the process cannot run without.
func MustLoad(path string) *Taxonomy {
	t, err := Load(path)
	if err != nil {
		log.Fatalf("invalid stage taxonomy '%s': %v", path, err)
	}
	return t
}

func Parse(data []byte) (*Taxonomy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy yaml: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("taxonomy has no stages")
	}

	t := &Taxonomy{
		stages:   make([]domain.Stage, 0, len(doc.Stages)),
		index:    make(map[string]int, len(doc.Stages)),
		backward: make(map[Transition]bool, len(doc.AllowedBackward)),
	}
	for _, s := range doc.Stages {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("stage at position %d has no id", len(t.stages))
		}
		if _, dup := t.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", s.ID)
		}
		if !s.Zone.Valid() {
			return nil, fmt.Errorf("stage %q has unknown zone %q", s.ID, s.Zone)
		}
		if s.Title == "" {
			s.Title = s.ID
		}
		t.index[s.ID] = len(t.stages)
		t.stages = append(t.stages, s)
	}

	for _, s := range t.stages {
		if s.Completes == "" {
			continue
		}
		if _, ok := t.index[s.Completes]; !ok {
			return nil, fmt.Errorf("stage %q completes unknown stage %q", s.ID, s.Completes)
		}
	}
	for _, tr := range doc.AllowedBackward {
		if _, ok := t.index[tr.From]; !ok {
			return nil, fmt.Errorf("allowed_backward references unknown stage %q", tr.From)
		}
		if _, ok := t.index[tr.To]; !ok {
			return nil, fmt.Errorf("allowed_backward references unknown stage %q", tr.To)
		}
		t.backward[tr] = true
	}
	return t, nil
}

// Stages returns the stages in pipeline order. The slice is a copy.
func (t *Taxonomy) Stages() []domain.Stage {
	out := make([]domain.Stage, len(t.stages))
	copy(out, t.stages)
	return out
}

func (t *Taxonomy) Index(id string) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

func (t *Taxonomy) Lookup(id string) (domain.Stage, bool) {
	i, ok := t.index[id]
	if !ok {
		return domain.Stage{}, false
	}
	return t.stages[i], true
}

func (t *Taxonomy) Known(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Taxonomy) ZoneOf(id string) (domain.Zone, bool) {
	s, ok := t.Lookup(id)
	return s.Zone, ok
}

// Title falls back to the id for unknown stages so that stale rows still render.
func (t *Taxonomy) Title(id string) string {
	if s, ok := t.Lookup(id); ok {
		return s.Title
	}
	return id
}

// Zones returns the zones that have at least one stage, in pipeline order.
func (t *Taxonomy) Zones() []domain.Zone {
	seen := make(map[domain.Zone]bool)
	for _, s := range t.stages {
		seen[s.Zone] = true
	}
	var out []domain.Zone
	for _, z := range domain.Zones {
		if seen[z] {
			out = append(out, z)
		}
	}
	return out
}

// StagesInZone returns the stages of zone z in pipeline order.
func (t *Taxonomy) StagesInZone(z domain.Zone) []domain.Stage {
	var out []domain.Stage
	for _, s := range t.stages {
		if s.Zone == z {
			out = append(out, s)
		}
	}
	return out
}

// CompletionOf returns the stage a scheduled stage leads to.
func (t *Taxonomy) CompletionOf(id string) (string, bool) {
	s, ok := t.Lookup(id)
	if !ok || s.Completes == "" {
		return "", false
	}
	return s.Completes, true
}

// FirstScheduledAtOrAfter finds the first scheduled stage whose position is
// not before id.
func (t *Taxonomy) FirstScheduledAtOrAfter(id string) (string, bool) {
	start, ok := t.index[id]
	if !ok {
		return "", false
	}
	for _, s := range t.stages[start:] {
		if s.Exempt {
			break
		}
		if s.Scheduled {
			return s.ID, true
		}
	}
	return "", false
}

func (t *Taxonomy) BackwardAllowed(from, to string) bool {
	return t.backward[Transition{From: from, To: to}]
}

func (t *Taxonomy) Exempt(id string) bool {
	s, ok := t.Lookup(id)
	return ok && s.Exempt
}

// Resolve accepts a stage id or a case-insensitive title, as typed by a person.
func (t *Taxonomy) Resolve(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if t.Known(input) {
		return input, true
	}
	norm := strings.ToLower(strings.ReplaceAll(input, " ", "_"))
	if t.Known(norm) {
		return norm, true
	}
	for _, s := range t.stages {
		if strings.EqualFold(s.Title, input) {
			return s.ID, true
		}
	}
	return "", false
}
