package definition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pitabwire/sagaflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates workflow definition files structurally.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// identPattern constrains workflow and step types. Step types become the last
// segment of a command event type, so dots and wildcards are not allowed.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks all definition files. A workflow type may be defined only
// once across the set.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if len(f.Workflows) == 0 {
			errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow is required"})
		}
		for j, w := range f.Workflows {
			wp := fmt.Sprintf("%s.workflows[%d]", prefix, j)
			errs = append(errs, v.validateWorkflow(wp, w)...)

			if w.Type == "" {
				continue
			}
			if first, dup := seen[w.Type]; dup {
				errs = append(errs, VError{
					Path:    wp + ".type",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow type %q already defined at %s", w.Type, first),
				})
				continue
			}
			seen[w.Type] = wp
		}
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	} else if !identPattern.MatchString(w.Type) {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_FORMAT", Message: fmt.Sprintf("invalid workflow type %q", w.Type)})
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	names := make(map[string]bool, len(w.Steps))
	for i, st := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if strings.TrimSpace(st.Name) == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "name is required"})
		} else if names[st.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("step name %q repeated", st.Name)})
		} else {
			names[st.Name] = true
		}

		if st.Type == "" {
			errs = append(errs, VError{Path: sp + ".type", Code: "REQUIRED", Message: "type is required"})
		} else if !identPattern.MatchString(st.Type) {
			errs = append(errs, VError{Path: sp + ".type", Code: "INVALID_FORMAT", Message: fmt.Sprintf("invalid step type %q", st.Type)})
		}
	}

	return errs
}
