package lab

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Aximande/phospho/pkg/models"
)

// ErrNoEvaluator is returned when no evaluator is registered for a job kind
var ErrNoEvaluator = errors.New("no evaluator registered")

// Registry maps job kinds to the evaluators that run them
type Registry struct {
	mu         sync.RWMutex
	evaluators map[JobKind]Evaluator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[JobKind]Evaluator)}
}

// Register sets the evaluator for kind, replacing any previous one
func (r *Registry) Register(kind JobKind, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[kind] = e
}

// Evaluator returns the evaluator registered for kind
func (r *Registry) Evaluator(kind JobKind) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[kind]
	if !ok {
		return nil, fmt.Errorf("%w for kind %s", ErrNoEvaluator, kind)
	}
	return e, nil
}

// NewJob builds a job for config using the evaluator registered for its kind
func (r *Registry) NewJob(id string, config JobConfig) (*Job, error) {
	e, err := r.Evaluator(config.Kind())
	if err != nil {
		return nil, err
	}
	return NewJob(id, e, config), nil
}

// WorkloadFromProject builds one event-detection job per event definition of
// the project. Job ids are event names.
func (r *Registry) WorkloadFromProject(project *models.Project) (*Workload, error) {
	w := NewWorkload(project.OrgID, project.ID)
	if project.Settings == nil {
		return w, nil
	}

	names := make([]string, 0, len(project.Settings.Events))
	for name := range project.Settings.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := project.Settings.Events[name]
		if def.EventName == "" {
			def.EventName = name
		}
		job, err := r.NewJob(def.EventName, EventDetectionConfig{Definition: def, RecipeID: def.RecipeID})
		if err != nil {
			return nil, err
		}
		if err := w.AddJob(job); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// WorkloadFromRecipe builds the workload described by an event-detection recipe
func (r *Registry) WorkloadFromRecipe(recipe *models.Recipe) (*Workload, error) {
	if recipe.RecipeType != models.RecipeTypeEventDetection {
		return nil, fmt.Errorf("recipe type %s cannot be turned into a workload", recipe.RecipeType)
	}
	if err := recipe.Parameters.Validate(); err != nil {
		return nil, err
	}
	w := NewWorkload(recipe.OrgID, recipe.ProjectID)
	job, err := r.NewJob(recipe.Parameters.EventName, EventDetectionConfig{
		Definition: recipe.Parameters,
		RecipeID:   recipe.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := w.AddJob(job); err != nil {
		return nil, err
	}
	return w, nil
}
