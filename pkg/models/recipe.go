package models

import (
	"fmt"
	"strings"
)

// RecipeType names the kind of job bundle a recipe configures
type RecipeType string

const (
	RecipeTypeEventDetection  RecipeType = "event_detection"
	RecipeTypeEvaluation      RecipeType = "evaluation"
	RecipeTypeSentiment       RecipeType = "sentiment_language"
	RecipeTypeTopicExtraction RecipeType = "topic_extraction"
)

// Recipe is a reusable job configuration dispatched over a batch of tasks
type Recipe struct {
	ID         string          `json:"id" yaml:"id"`
	OrgID      string          `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	ProjectID  string          `json:"project_id" yaml:"project_id"`
	RecipeType RecipeType      `json:"recipe_type" yaml:"recipe_type"`
	Parameters EventDefinition `json:"parameters" yaml:"parameters"`
}

// Validate checks the recipe shape. It does not reject unsupported recipe types;
// the pipelines decide what they can run.
func (r *Recipe) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: recipe is required", ErrValidation)
	}
	if strings.TrimSpace(string(r.RecipeType)) == "" {
		return fmt.Errorf("%w: recipe_type is required", ErrValidation)
	}
	return nil
}
