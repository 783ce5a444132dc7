package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Aximande/phospho/internal/hostinfo"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/pipeline"
	"github.com/Aximande/phospho/pkg/queue"
	"github.com/Aximande/phospho/pkg/store"
)

// Scheduler hands work to the background queue
type Scheduler interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) (*queue.Handle, error)
}

// PipelineHandler serves the pipeline endpoints
type PipelineHandler struct {
	pipelines *pipeline.Pipelines
	store     store.Store
	scheduler Scheduler
	logger    *logging.Logger
}

// NewPipelineHandler creates the handler
func NewPipelineHandler(p *pipeline.Pipelines, s store.Store, scheduler Scheduler, logger *logging.Logger) *PipelineHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PipelineHandler{pipelines: p, store: s, scheduler: scheduler, logger: logger}
}

// RegisterRoutes registers all API routes
func (h *PipelineHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/pipelines/main/task", h.MainTask).Methods("POST")
	r.HandleFunc("/v1/pipelines/main/messages", h.MainMessages).Methods("POST")
	r.HandleFunc("/v1/pipelines/log", h.ProcessLog).Methods("POST")
	r.HandleFunc("/v1/pipelines/recipes", h.RunRecipe).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// MainTask runs the main pipeline on one task without saving it
func (h *PipelineHandler) MainTask(w http.ResponseWriter, r *http.Request) {
	var req models.RunMainPipelineOnTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.pipelines.TaskMain(r.Context(), &req.Task, false)
	if err != nil {
		h.fail(w, "main pipeline failed", err, logging.Fields{"task_id": req.Task.ID})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MainMessages runs event detection on a list of messages
func (h *PipelineHandler) MainMessages(w http.ResponseWriter, r *http.Request) {
	var req models.RunMainPipelineOnMessagesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.pipelines.MessagesMain(r.Context(), req.ProjectID, req.Messages)
	if err != nil {
		h.fail(w, "messages pipeline failed", err, logging.Fields{"project_id": req.ProjectID})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProcessLog schedules the logged tasks for processing. The response counts
// the job results the work will produce: one per event definition, plus
// sentiment and scoring, for every log.
func (h *PipelineHandler) ProcessLog(w http.ResponseWriter, r *http.Request) {
	var req models.LogProcessRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := h.store.GetProject(r.Context(), req.ProjectID)
	if err != nil {
		h.fail(w, "failed to get project", err, logging.Fields{"project_id": req.ProjectID})
		return
	}

	handle, err := h.scheduler.Enqueue(r.Context(), queue.KindProcessLogs, req)
	if err != nil {
		h.fail(w, "failed to schedule logs", err, logging.Fields{"project_id": req.ProjectID})
		return
	}
	h.logger.Info("logs scheduled", logging.Fields{
		"work_id":    handle.ID,
		"project_id": req.ProjectID,
		"logs":       len(req.LogsToProcess),
		"extra":      len(req.ExtraLogsToSave),
	})

	writeJSON(w, http.StatusOK, models.JobsScheduledResponse{
		Status:       "ok",
		NbJobResults: len(req.LogsToProcess) * (project.EventCount() + 2),
	})
}

// RunRecipe schedules a recipe over a batch of tasks
func (h *PipelineHandler) RunRecipe(w http.ResponseWriter, r *http.Request) {
	var req models.RunRecipeOnTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Tasks) == 0 {
		writeJSON(w, http.StatusOK, models.JobsScheduledResponse{Status: "no tasks to process"})
		return
	}
	if err := pipeline.CheckRecipe(&req.Recipe); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := h.scheduler.Enqueue(r.Context(), queue.KindRunRecipe, req)
	if err != nil {
		h.fail(w, "failed to schedule recipe", err, logging.Fields{"recipe_id": req.Recipe.ID})
		return
	}
	h.logger.Info("recipe scheduled", logging.Fields{
		"work_id":   handle.ID,
		"recipe_id": req.Recipe.ID,
		"tasks":     len(req.Tasks),
	})

	writeJSON(w, http.StatusOK, models.JobsScheduledResponse{Status: "ok", NbJobResults: len(req.Tasks)})
}

// Health reports the store status and host resource usage
func (h *PipelineHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.store.HealthCheck(r.Context()); err != nil {
		h.logger.Error("store health check failed", logging.Fields{"error": err})
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"host":   hostinfo.Collect(r.Context()),
	})
}

func (h *PipelineHandler) fail(w http.ResponseWriter, msg string, err error, fields logging.Fields) {
	code := statusFor(err)
	fields["error"] = err
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, fields)
	} else {
		h.logger.Warn(msg, fields)
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, pipeline.ErrUnsupportedRecipe):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrProjectNotFound), errors.Is(err, store.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
