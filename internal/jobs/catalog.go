package jobs

import (
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// Field is one input of an action form. Fields with text or html are display-only and are
// never validated or passed to steps.
type Field struct {
	ID    string   `yaml:"id" json:"id,omitempty"`
	Regex string   `yaml:"regex" json:"regex,omitempty"`
	Enum  []string `yaml:"enum" json:"enum,omitempty"`
	Text  string   `yaml:"text" json:"text,omitempty"`
	HTML  string   `yaml:"html" json:"html,omitempty"`

	pattern *regexp.Regexp
}

// DisplayOnly reports whether the field carries no user input.
func (f Field) DisplayOnly() bool {
	return f.ID == "" || f.Text != "" || f.HTML != ""
}

// Form lists the inputs of an action.
type Form struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

// Step is either a command template or a registered function.
type Step struct {
	RunCommand []string       `yaml:"run_command" json:"run_command,omitempty"`
	Function   string         `yaml:"function" json:"function,omitempty"`
	Kwargs     map[string]any `yaml:"kwargs" json:"kwargs,omitempty"`
}

// Name is how the step shows up in job logs.
func (s Step) Name() string {
	if len(s.RunCommand) > 0 {
		return s.RunCommand[0]
	}
	return s.Function
}

// Action is an operator action: a form to fill in and the steps to run.
type Action struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Group  string `yaml:"group" json:"group,omitempty"`
	Listed *bool  `yaml:"listed" json:"-"`
	Form   Form   `yaml:"form" json:"form"`
	Steps  []Step `yaml:"steps" json:"-"`
}

// IsListed reports whether the action is offered to users. Actions are listed unless they
// opt out.
func (a Action) IsListed() bool {
	return a.Listed == nil || *a.Listed
}

// ActionProvider supplies the validation rules and steps of an action.
type ActionProvider interface {
	Action(id string) (Action, bool)
}

// Catalog is an ActionProvider backed by a YAML file.
type Catalog struct {
	actions []Action
	byID    map[string]int
}

type catalogFile struct {
	Actions []Action `yaml:"actions"`
}

// LoadCatalog reads an action catalog from path.
func LoadCatalog(path string, registry *Registry) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read action catalog: %w", err)
	}
	return ParseCatalog(data, registry)
}

// ParseCatalog parses and checks an action catalog. Every function step must be registered
// and every regex must compile.
func ParseCatalog(data []byte, registry *Registry) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	catalog := &Catalog{byID: make(map[string]int, len(file.Actions))}
	var missing []string

	for _, action := range file.Actions {
		if action.ID == "" {
			return nil, fmt.Errorf("%w: action %q has no id", ErrInvalidCatalog, action.Name)
		}
		if _, dup := catalog.byID[action.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate action id %q", ErrInvalidCatalog, action.ID)
		}

		for i := range action.Form.Fields {
			field := &action.Form.Fields[i]
			if field.Regex == "" || field.DisplayOnly() {
				continue
			}
			// Patterns match from the start of the value, like a prefix match.
			pattern, err := regexp.Compile(`^(?:` + field.Regex + `)`)
			if err != nil {
				return nil, fmt.Errorf("%w: action %q field %q: %v", ErrInvalidCatalog, action.ID, field.ID, err)
			}
			field.pattern = pattern
		}

		for i, step := range action.Steps {
			hasCommand := len(step.RunCommand) > 0
			hasFunction := step.Function != ""
			if hasCommand == hasFunction {
				return nil, fmt.Errorf("%w: action %q step %d needs exactly one of run_command or function", ErrInvalidCatalog, action.ID, i)
			}
			if hasFunction {
				if _, ok := registry.Lookup(step.Function); !ok && !slices.Contains(missing, step.Function) {
					missing = append(missing, step.Function)
				}
			}
		}

		catalog.byID[action.ID] = len(catalog.actions)
		catalog.actions = append(catalog.actions, action)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unrecognized functions %v", ErrInvalidCatalog, missing)
	}
	return catalog, nil
}

func (c *Catalog) Action(id string) (Action, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Action{}, false
	}
	return c.actions[i], true
}

// Listed returns the actions offered to users, in catalog order.
func (c *Catalog) Listed() []Action {
	var listed []Action
	for _, action := range c.actions {
		if action.IsListed() {
			listed = append(listed, action)
		}
	}
	return listed
}

// Validate checks params against the action's form and returns only the declared fields.
func Validate(action Action, params map[string]string) (map[string]string, error) {
	validated := make(map[string]string)
	for _, field := range action.Form.Fields {
		if field.DisplayOnly() {
			continue
		}

		value, ok := params[field.ID]
		if !ok {
			return nil, &ValidationError{Field: field.ID, Reason: "required"}
		}
		if field.Enum != nil && !slices.Contains(field.Enum, value) {
			return nil, &ValidationError{Field: field.ID, Reason: "invalid value"}
		}
		if field.Regex != "" {
			pattern := field.pattern
			if pattern == nil {
				compiled, err := regexp.Compile(`^(?:` + field.Regex + `)`)
				if err != nil {
					return nil, &ValidationError{Field: field.ID, Reason: "invalid pattern"}
				}
				pattern = compiled
			}
			if !pattern.MatchString(value) {
				return nil, &ValidationError{Field: field.ID, Reason: "invalid value"}
			}
		}
		validated[field.ID] = value
	}
	return validated, nil
}
