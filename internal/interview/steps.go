package interview

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed steps.yaml
var defaultSteps []byte

// ErrNoActiveSteps is returned when a table has nothing to traverse.
var ErrNoActiveSteps = errors.New("interview: no active steps")

// Extraction kinds understood by the local extractor.
const (
	ExtractName             = "name"
	ExtractEmail            = "email"
	ExtractLinkedIn         = "linkedin"
	ExtractLinkedInRaw      = "linkedin_raw"
	ExtractCareerObjectives = "career_objectives"
	ExtractJobExperience    = "job_experience"
)

// Step is one immutable interview topic. ErrorMessage prefixes failure
// notices spoken during the step.
type Step struct {
	ID                 int
	Name               string
	Title              string
	Active             bool
	RequiresTextInput  bool
	IsDynamicLoop      bool
	InitialMessage     string
	AdvancementRule    string
	SystemPrompt       string
	CompletionCriteria []string
	Extract            string
	ErrorMessage       string

	Validation      *ValidationRule
	Fallback        *FallbackRule
	ExplicitAdvance []string
}

// ValidationRule is an objectively checkable property of typed input.
// Gated rules reject input locally before any generation call.
type ValidationRule struct {
	Patterns  []*regexp.Regexp
	MinLength int
	Gate      bool
	Message   string
}

// FallbackRule decides advancement when the generator could not.
type FallbackRule struct {
	Pattern     *regexp.Regexp
	RejectWords []string
	Keywords    []string
	MinLength   int
}

// Table is the ordered, read-only list of steps.
type Table struct {
	steps []Step
}

type tableDoc struct {
	Steps []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	ID                 int            `yaml:"id"`
	Name               string         `yaml:"name"`
	Title              string         `yaml:"title"`
	Active             *bool          `yaml:"active"`
	RequiresTextInput  bool           `yaml:"requires_text_input"`
	IsDynamicLoop      bool           `yaml:"is_dynamic_loop"`
	InitialMessage     string         `yaml:"initial_message"`
	AdvancementRule    string         `yaml:"advancement_rule"`
	SystemPrompt       string         `yaml:"system_prompt"`
	CompletionCriteria []string       `yaml:"completion_criteria"`
	Extract            string         `yaml:"extract"`
	ErrorMessage       string         `yaml:"error_message"`
	Validation         *validationDoc `yaml:"validation"`
	Fallback           *fallbackDoc   `yaml:"fallback"`
	ExplicitAdvance    []string       `yaml:"explicit_advance"`
}

type validationDoc struct {
	Patterns  []string `yaml:"patterns"`
	MinLength int      `yaml:"min_length"`
	Gate      bool     `yaml:"gate"`
	Message   string   `yaml:"message"`
}

type fallbackDoc struct {
	Pattern     string   `yaml:"pattern"`
	RejectWords []string `yaml:"reject_words"`
	Keywords    []string `yaml:"keywords"`
	MinLength   int      `yaml:"min_length"`
}

// DefaultTable returns the built-in step table.
func DefaultTable() (*Table, error) {
	return LoadTable(bytes.NewReader(defaultSteps))
}

// LoadTableFile loads a step table from path, falling back to the built-in
// table when path is empty.
func LoadTableFile(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("steps: open: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

// LoadTable parses and validates a YAML step table. Unknown fields are rejected.
func LoadTable(r io.Reader) (*Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc tableDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("steps: parse: %w", err)
	}
	if len(doc.Steps) == 0 {
		return nil, errors.New(`steps: "steps" must be a non-empty array`)
	}

	seenID := make(map[int]struct{})
	seenName := make(map[string]struct{})
	steps := make([]Step, 0, len(doc.Steps))
	loops := 0
	for i, s := range doc.Steps {
		idx := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf(`%s: "name" is required`, idx)
		}
		if _, ok := seenID[s.ID]; ok {
			return nil, fmt.Errorf(`%s: duplicate id %d`, idx, s.ID)
		}
		seenID[s.ID] = struct{}{}
		if _, ok := seenName[s.Name]; ok {
			return nil, fmt.Errorf(`%s: duplicate name %q`, idx, s.Name)
		}
		seenName[s.Name] = struct{}{}
		if s.IsDynamicLoop && s.RequiresTextInput {
			return nil, fmt.Errorf(`%s: a dynamic loop step cannot require text input`, idx)
		}
		if s.IsDynamicLoop {
			loops++
		}
		if !validExtract(s.Extract) {
			return nil, fmt.Errorf(`%s: unsupported extract %q`, idx, s.Extract)
		}

		step := Step{
			ID:                 s.ID,
			Name:               s.Name,
			Title:              s.Title,
			Active:             s.Active == nil || *s.Active,
			RequiresTextInput:  s.RequiresTextInput,
			IsDynamicLoop:      s.IsDynamicLoop,
			InitialMessage:     strings.TrimSpace(s.InitialMessage),
			AdvancementRule:    s.AdvancementRule,
			SystemPrompt:       strings.TrimSpace(s.SystemPrompt),
			CompletionCriteria: s.CompletionCriteria,
			Extract:            s.Extract,
			ErrorMessage:       strings.TrimSpace(s.ErrorMessage),
			ExplicitAdvance:    lowerAll(s.ExplicitAdvance),
		}
		if s.Validation != nil {
			rule, err := compileValidation(idx, s.Validation)
			if err != nil {
				return nil, err
			}
			step.Validation = rule
		}
		if s.Fallback != nil {
			rule, err := compileFallback(idx, s.Fallback)
			if err != nil {
				return nil, err
			}
			step.Fallback = rule
		}
		steps = append(steps, step)
	}
	if loops > 1 {
		return nil, errors.New("steps: at most one dynamic loop step is allowed")
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	t := &Table{steps: steps}
	if len(t.Active()) == 0 {
		return nil, ErrNoActiveSteps
	}
	return t, nil
}

// All returns every step in id order, active or not.
func (t *Table) All() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Active returns the traversal sequence.
func (t *Table) Active() []Step {
	out := make([]Step, 0, len(t.steps))
	for _, s := range t.steps {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// ByName looks up a step by name.
func (t *Table) ByName(name string) (Step, bool) {
	for _, s := range t.steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func compileValidation(idx string, v *validationDoc) (*ValidationRule, error) {
	if len(v.Patterns) == 0 && v.MinLength <= 0 {
		return nil, fmt.Errorf(`%s: validation needs "patterns" or "min_length"`, idx)
	}
	rule := &ValidationRule{MinLength: v.MinLength, Gate: v.Gate, Message: strings.TrimSpace(v.Message)}
	for j, p := range v.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf(`%s: validation.patterns[%d] compile failed: %v`, idx, j, err)
		}
		rule.Patterns = append(rule.Patterns, re)
	}
	if rule.Gate && rule.Message == "" {
		return nil, fmt.Errorf(`%s: gated validation requires "message"`, idx)
	}
	return rule, nil
}

func compileFallback(idx string, f *fallbackDoc) (*FallbackRule, error) {
	rule := &FallbackRule{
		RejectWords: lowerAll(f.RejectWords),
		Keywords:    lowerAll(f.Keywords),
		MinLength:   f.MinLength,
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf(`%s: fallback.pattern compile failed: %v`, idx, err)
		}
		rule.Pattern = re
	}
	return rule, nil
}

func validExtract(kind string) bool {
	switch kind {
	case "", ExtractName, ExtractEmail, ExtractLinkedIn, ExtractLinkedInRaw, ExtractCareerObjectives, ExtractJobExperience:
		return true
	}
	return false
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
