// Package pipeline reads transformation recipes: YAML documents listing the
// transformations to apply to a table, in order, as one unit.
//
//	name: clean-departments
//	steps:
//	  - type: convert_type
//	    attribute: budget
//	    params: [integer]
//	  - type: zscore
//	    attribute: budget
//	    mode: copy
//	    new_name: departments_scored
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
	"github.com/wrangle-io/wrangle-engine/pkg/services"
	"github.com/wrangle-io/wrangle-engine/pkg/transform"
)

// MaxSteps bounds the size of one recipe.
const MaxSteps = 100

// Recipe is an ordered list of transformations.
type Recipe struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Step is one transformation. Type is a name such as "fill_null_mean" or its numeric code.
type Step struct {
	Type      string   `yaml:"type"`
	Attribute string   `yaml:"attribute"`
	Params    []string `yaml:"params"`
	Mode      string   `yaml:"mode"`
	NewName   string   `yaml:"new_name"`
}

// Parse decodes and validates a recipe.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, apperrors.NewValueError("recipe", "failed to parse YAML: %v", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that every step names a known transformation.
func (r *Recipe) Validate() error {
	if len(r.Steps) == 0 {
		return apperrors.NewValueError("steps", "at least one step is required")
	}
	if len(r.Steps) > MaxSteps {
		return apperrors.NewValueError("steps", "at most %d steps are allowed, got %d", MaxSteps, len(r.Steps))
	}
	for i, s := range r.Steps {
		if _, err := s.request(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Requests converts the steps for the transformation service.
func (r *Recipe) Requests() ([]services.TransformationRequest, error) {
	out := make([]services.TransformationRequest, 0, len(r.Steps))
	for i, s := range r.Steps {
		req, err := s.request()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func (s Step) request() (services.TransformationRequest, error) {
	t, err := models.ParseTransformationType(s.Type)
	if err != nil {
		return services.TransformationRequest{}, apperrors.NewValueError("type", "%v", err)
	}
	if t.IsBackup() {
		return services.TransformationRequest{}, apperrors.NewValueError("type", "backups cannot be requested")
	}
	mode, err := transform.ParseMode(s.Mode)
	if err != nil {
		return services.TransformationRequest{}, err
	}
	if _, err := transform.Decode(t, s.Params); err != nil {
		return services.TransformationRequest{}, err
	}
	return services.TransformationRequest{
		Type:       t,
		Attribute:  s.Attribute,
		Parameters: s.Params,
		Mode:       mode,
		NewName:    s.NewName,
	}, nil
}
