package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/examflow/pkg/models"
)

// ErrExamNotFound is returned by Lookup for unknown or inactive exams
var ErrExamNotFound = errors.New("exam not found")

// Action is what a step does on the exam site
type Action string

const (
	ActionFill    Action = "fill"
	ActionClick   Action = "click"
	ActionOTP     Action = "otp"
	ActionCaptcha Action = "captcha"
	ActionCustom  Action = "custom"
	ActionWait    Action = "wait"
)

// Step is one scripted action in an exam's registration flow
type Step struct {
	Name     string `yaml:"name"`
	Action   Action `yaml:"action"`
	Selector string `yaml:"selector"`

	// Fill: Value may reference a profile field as {{field}}
	Value string `yaml:"value,omitempty"`

	// Captcha: element whose screenshot is sent for solving
	Image string `yaml:"image,omitempty"`

	// Custom input
	Field       string   `yaml:"field,omitempty"`
	Label       string   `yaml:"label,omitempty"`
	InputType   string   `yaml:"input_type,omitempty"`
	Suggestions []string `yaml:"suggestions,omitempty"`

	// Wait: selector to appear, or Timeout alone
	Timeout string `yaml:"timeout,omitempty"`
}

// Exam is a catalog entry
type Exam struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Slug   string `yaml:"slug"`
	URL    string `yaml:"url"`
	Active bool   `yaml:"active"`
	Steps  []Step `yaml:"steps"`
}

// Model converts the entry to its registry representation
func (e Exam) Model() models.Exam {
	return models.Exam{ID: e.ID, Name: e.Name, Slug: e.Slug, URL: e.URL, IsActive: e.Active}
}

type file struct {
	Exams []Exam `yaml:"exams"`
}

// Catalog is an immutable set of exams keyed by id
type Catalog struct {
	exams map[string]Exam
}

// Load reads a catalog from a YAML file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{exams: make(map[string]Exam, len(f.Exams))}
	for i, exam := range f.Exams {
		if err := validate(exam); err != nil {
			return nil, fmt.Errorf("exam %d (%s): %w", i, exam.ID, err)
		}
		if _, dup := c.exams[exam.ID]; dup {
			return nil, fmt.Errorf("duplicate exam id %q", exam.ID)
		}
		for j := range exam.Steps {
			if exam.Steps[j].Action == ActionCustom && exam.Steps[j].InputType == "" {
				exam.Steps[j].InputType = "text"
			}
		}
		c.exams[exam.ID] = exam
	}
	return c, nil
}

func validate(e Exam) error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.URL == "" {
		return errors.New("url is required")
	}
	for i, s := range e.Steps {
		switch s.Action {
		case ActionFill, ActionClick:
			if s.Selector == "" {
				return fmt.Errorf("step %d: %s needs a selector", i, s.Action)
			}
		case ActionOTP:
			if s.Selector == "" {
				return fmt.Errorf("step %d: otp needs a selector", i)
			}
		case ActionCaptcha:
			if s.Selector == "" || s.Image == "" {
				return fmt.Errorf("step %d: captcha needs selector and image", i)
			}
		case ActionCustom:
			if s.Selector == "" || s.Field == "" {
				return fmt.Errorf("step %d: custom needs selector and field", i)
			}
		case ActionWait:
			if s.Selector == "" && s.Timeout == "" {
				return fmt.Errorf("step %d: wait needs a selector or timeout", i)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, s.Action)
		}
	}
	return nil
}

// Lookup returns the active exam with the given id
func (c *Catalog) Lookup(id string) (Exam, error) {
	exam, ok := c.exams[strings.TrimSpace(id)]
	if !ok || !exam.Active {
		return Exam{}, fmt.Errorf("%w: %s", ErrExamNotFound, id)
	}
	return exam, nil
}

// Get returns an exam whether or not it is active
func (c *Catalog) Get(id string) (Exam, bool) {
	exam, ok := c.exams[strings.TrimSpace(id)]
	return exam, ok
}

// Active lists active exams ordered by name
func (c *Catalog) Active() []Exam {
	out := make([]Exam, 0, len(c.exams))
	for _, exam := range c.exams {
		if exam.Active {
			out = append(out, exam)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
