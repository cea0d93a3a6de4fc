package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kapstong/integ-capstone-sub005/escalation"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/types"
	"github.com/kapstong/integ-capstone-sub005/workflow"
)

// UserIDHeader identifies the acting portal user. Authentication happens
// upstream of this service.
const UserIDHeader = "X-User-ID"

// maxBody is the request body limit.
const maxBody = 1 << 20

// Escalator is implemented by *escalation.Router.
type Escalator interface {
	Escalate(ctx context.Context, taskID, userID uint64) (escalation.Result, error)
}

// Workflows is implemented by *workflow.Engine.
type Workflows interface {
	Trigger(ctx context.Context, event string, payload json.RawMessage) ([]types.InstanceResult, error)
	CreateDefinition(ctx context.Context, in workflow.DefinitionInput, actorID uint64) (types.WorkflowDefinition, error)
	ReplaceDefinition(ctx context.Context, id uint64, in workflow.DefinitionInput, actorID uint64) (types.WorkflowDefinition, error)
	ToggleDefinition(ctx context.Context, id uint64, actorID uint64) (types.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error)
	TestDefinition(ctx context.Context, id uint64, payload json.RawMessage, actorID uint64) (workflow.TestResult, error)
	ListInstances(ctx context.Context, definitionID uint64, limit int) ([]types.WorkflowInstance, error)
	GetInstance(ctx context.Context, id uint64) (workflow.InstanceDetail, error)
	ResolveApproval(ctx context.Context, stepID uint64, approved bool, actorID uint64) (types.InstanceResult, error)
}

// Handler serves the portal's workflow JSON API.
type Handler struct {
	escalator Escalator
	workflows Workflows
	logger    *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(escalator Escalator, workflows Workflows, logger *slog.Logger) *Handler {
	return &Handler{escalator: escalator, workflows: workflows, logger: logger.With(slog.String("component", "api"))}
}

// Routes builds the chi router with the standard middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(RequestLogger(h.logger))
	r.Use(MaxBodySize(maxBody))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/{id}/escalate", h.EscalateTask)
		r.Post("/events/{event}", h.TriggerEvent)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/", h.CreateWorkflow)
			r.Get("/{id}", h.GetWorkflow)
			r.Put("/{id}", h.ReplaceWorkflow)
			r.Post("/{id}/toggle", h.ToggleWorkflow)
			r.Post("/{id}/test", h.TestWorkflow)
			r.Get("/{id}/instances", h.ListWorkflowInstances)
		})

		r.Get("/instances/{id}", h.GetInstance)
		r.Post("/approvals/{id}", h.ResolveApproval)
	})
	return r
}

// EscalateResponse is the body of POST /api/v1/tasks/{id}/escalate.
type EscalateResponse struct {
	escalation.Result
	Message string `json:"message,omitempty"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EscalateTask handles POST /api/v1/tasks/{id}/escalate.
func (h *Handler) EscalateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := actor(w, r)
	if !ok {
		return
	}

	ctx, span := telemetry.Tracer("api").Start(r.Context(), "api.escalate_task")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", int64(taskID)))

	res, err := h.escalator.Escalate(ctx, taskID, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, EscalateResponse{Result: res, Message: "Task escalated to manager"})
	case errors.Is(err, escalation.ErrAlreadyEscalated):
		writeJSON(w, http.StatusConflict, EscalateResponse{Result: res, Warning: "Task already escalated to manager"})
	case errors.Is(err, escalation.ErrTaskNotEligible):
		writeJSON(w, http.StatusForbidden, EscalateResponse{Result: res, Error: err.Error()})
	case errors.Is(err, escalation.ErrNoManagerAvailable):
		writeJSON(w, http.StatusServiceUnavailable, EscalateResponse{Result: res, Error: err.Error()})
	default:
		h.logger.Error("escalate task", slog.Uint64("task_id", taskID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, EscalateResponse{Result: res, Error: "escalation failed, please retry"})
	}
}

// TriggerResponse is the body of POST /api/v1/events/{event}.
type TriggerResponse struct {
	Event     string                 `json:"event"`
	Instances []types.InstanceResult `json:"instances"`
}

// TriggerEvent handles POST /api/v1/events/{event}. The request body is
// the event payload.
func (h *Handler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := telemetry.Tracer("api").Start(r.Context(), "api.trigger_event")
	defer span.End()
	span.SetAttributes(attribute.String("event", event))

	results, err := h.workflows.Trigger(ctx, event, payload)
	if err != nil {
		h.fail(w, err)
		return
	}
	if results == nil {
		results = []types.InstanceResult{}
	}
	writeJSON(w, http.StatusOK, TriggerResponse{Event: event, Instances: results})
}

// ListWorkflows handles GET /api/v1/workflows.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.workflows.ListDefinitions(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if defs == nil {
		defs = []types.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

// CreateWorkflow handles POST /api/v1/workflows.
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var in workflow.DefinitionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def, err := h.workflows.CreateDefinition(r.Context(), in, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// GetWorkflow handles GET /api/v1/workflows/{id}.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	def, err := h.workflows.GetDefinition(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ReplaceWorkflow handles PUT /api/v1/workflows/{id}.
func (h *Handler) ReplaceWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var in workflow.DefinitionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def, err := h.workflows.ReplaceDefinition(r.Context(), id, in, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ToggleWorkflow handles POST /api/v1/workflows/{id}/toggle.
func (h *Handler) ToggleWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	def, err := h.workflows.ToggleDefinition(r.Context(), id, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// TestWorkflow handles POST /api/v1/workflows/{id}/test. The request body
// is the sample payload.
func (h *Handler) TestWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.workflows.TestDefinition(r.Context(), id, payload, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListWorkflowInstances handles GET /api/v1/workflows/{id}/instances?limit=N.
func (h *Handler) ListWorkflowInstances(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if _, err := h.workflows.GetDefinition(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	insts, err := h.workflows.ListInstances(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if insts == nil {
		insts = []types.WorkflowInstance{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// GetInstance handles GET /api/v1/instances/{id}.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.workflows.GetInstance(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ResolveRequest is the body of POST /api/v1/approvals/{id}.
type ResolveRequest struct {
	Approved *bool `json:"approved"`
}

// ResolveApproval handles POST /api/v1/approvals/{id}.
func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	stepID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, ok := actor(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		writeError(w, http.StatusBadRequest, "field 'approved' is required")
		return
	}

	res, err := h.workflows.ResolveApproval(r.Context(), stepID, *req.Approved, userID)
	if errors.Is(err, workflow.ErrApprovalExpired) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "result": res})
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps a service error onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedDefinition),
		errors.Is(err, workflow.ErrInvalidPayload),
		errors.Is(err, workflow.ErrNotApprovalStep):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrInstanceNotFound),
		errors.Is(err, workflow.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrStepNotPending),
		errors.Is(err, workflow.ErrApprovalExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func actor(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+UserIDHeader+" header")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
