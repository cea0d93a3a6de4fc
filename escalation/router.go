// Package escalation hands a budget task from its assignee to a manager for
// approval.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// Standard error definitions
var (
	ErrTaskNotEligible    = errors.New("task not eligible for escalation")
	ErrNoManagerAvailable = errors.New("no manager available")
	ErrAlreadyEscalated   = errors.New("task already escalated to manager")
	ErrEscalationFailed   = errors.New("escalation failed")
)

// DefaultRoleRanking lists manager roles from most to least senior.
var DefaultRoleRanking = []string{"super_admin", "admin", "manager"}

// TitleFor is the deterministic approval title for a source task.
func TitleFor(taskID uint64) string {
	return fmt.Sprintf("Budget Approval Required: Task #%d", taskID)
}

// Store is the slice of storage the router needs.
type Store interface {
	storage.TaskStore
	storage.UserStore
}

// Result describes an escalation. On ErrAlreadyEscalated it points at the
// approval task that already exists.
type Result struct {
	Success        bool   `json:"success"`
	TaskID         uint64 `json:"task_id"`
	ApprovalTaskID uint64 `json:"approval_task_id,omitempty"`
	ManagerID      uint64 `json:"manager_id,omitempty"`
	Title          string `json:"title,omitempty"`
}

// approvalPayload is stored as the approval task's description.
type approvalPayload struct {
	OriginalTaskID  uint64      `json:"original_task_id"`
	SubmittedBy     uint64      `json:"submitted_by"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	OriginalPayload interface{} `json:"original_payload"`
}

// Router escalates budget tasks.
type Router struct {
	store     Store
	generate  generator.Generator
	ranking   []string
	rank      map[string]int
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithRoleRanking replaces the ranked role table.
func WithRoleRanking(roles []string) Option {
	return func(r *Router) { r.ranking = roles }
}

// WithPublisher sets the audit publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(r *Router) { r.publisher = pub }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router over store.
func NewRouter(generate generator.Generator, store Store, opts ...Option) (*Router, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	r := &Router{
		store:    store,
		generate: generate,
		ranking:  DefaultRoleRanking,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("escalation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.ranking) == 0 {
		return nil, errors.New("role ranking must not be empty")
	}
	r.rank = make(map[string]int, len(r.ranking))
	for i, role := range r.ranking {
		if _, dup := r.rank[role]; dup {
			return nil, fmt.Errorf("role %q ranked twice", role)
		}
		r.rank[role] = i
	}
	r.logger = r.logger.With(slog.String("component", "escalation"))
	return r, nil
}

// Escalate moves a budget task owned by userID to the most senior available
// manager. The approval task insert and the source task completion commit
// together or not at all.
func (r *Router) Escalate(ctx context.Context, taskID, userID uint64) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "escalation.Escalate", trace.WithAttributes(
		attribute.Int64("task.id", int64(taskID)),
		attribute.Int64("user.id", int64(userID)),
	))
	defer span.End()

	res, err := r.escalate(ctx, taskID, userID)
	outcome := outcomeOf(err)
	telemetry.EscalationsTotal.WithLabelValues(outcome).Inc()

	logger := r.logger.With(slog.Uint64("task_id", taskID), slog.Uint64("user_id", userID))
	switch {
	case err == nil:
		logger.Info("task escalated",
			slog.Uint64("approval_task_id", res.ApprovalTaskID),
			slog.Uint64("manager_id", res.ManagerID),
		)
		events.Emit(ctx, r.publisher, r.logger, events.NewEvent(events.TaskEscalated, userID, taskID, map[string]interface{}{
			"approval_task_id": res.ApprovalTaskID,
			"manager_id":       res.ManagerID,
			"title":            res.Title,
		}))
	case errors.Is(err, ErrAlreadyEscalated):
		logger.Info("task already escalated", slog.Uint64("manager_id", res.ManagerID))
	case errors.Is(err, ErrEscalationFailed):
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Error("escalation failed", slog.String("error", err.Error()))
	default:
		logger.Warn("escalation rejected", slog.String("outcome", outcome), slog.String("error", err.Error()))
	}
	return res, err
}

func (r *Router) escalate(ctx context.Context, taskID, userID uint64) (Result, error) {
	res := Result{TaskID: taskID}

	task, err := r.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("%w: task %d does not exist", ErrTaskNotEligible, taskID)
	}
	if err != nil {
		return res, fmt.Errorf("%w: load task: %v", ErrEscalationFailed, err)
	}
	if err := eligible(task, userID); err != nil {
		return res, err
	}

	manager, err := r.resolveManager(ctx)
	if err != nil {
		return res, err
	}
	res.ManagerID = manager.ID
	res.Title = TitleFor(taskID)

	approvalID, err := r.generate.NextID()
	if err != nil {
		return res, fmt.Errorf("%w: generate id: %v", ErrEscalationFailed, err)
	}

	err = r.store.InTaskTx(ctx, func(tx storage.TaskTx) error {
		source, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := eligible(source, userID); err != nil {
			return err
		}

		existing, found, err := tx.FindApproval(ctx, res.Title)
		if err != nil {
			return err
		}
		if found {
			res.ApprovalTaskID = existing.ID
			res.ManagerID = existing.AssignedTo
			return ErrAlreadyEscalated
		}

		now := r.now().UTC()
		description, err := json.Marshal(approvalPayload{
			OriginalTaskID:  source.ID,
			SubmittedBy:     userID,
			SubmittedAt:     now,
			OriginalPayload: originalPayload(source.Description),
		})
		if err != nil {
			return err
		}

		approval := types.Task{
			ID:          approvalID,
			Title:       res.Title,
			Description: string(description),
			Priority:    types.PriorityHigh,
			Status:      types.TaskPending,
			Category:    types.CategoryBudgetApproval,
			AssignedTo:  manager.ID,
			CreatedBy:   userID,
			CreatedAt:   now,
		}
		if err := tx.CreateTask(ctx, approval); err != nil {
			return err
		}
		return tx.UpdateTaskStatus(ctx, source.ID, types.TaskCompleted)
	})

	switch {
	case err == nil:
		res.Success = true
		res.ApprovalTaskID = approvalID
		return res, nil
	case errors.Is(err, ErrAlreadyEscalated), errors.Is(err, ErrTaskNotEligible):
		return res, err
	case errors.Is(err, storage.ErrDuplicate):
		// Lost the race to a concurrent escalation of the same task.
		return res, fmt.Errorf("%w: %v", ErrAlreadyEscalated, err)
	case errors.Is(err, storage.ErrNotFound):
		return res, fmt.Errorf("%w: %v", ErrTaskNotEligible, err)
	default:
		return res, fmt.Errorf("%w: %v", ErrEscalationFailed, err)
	}
}

func eligible(task types.Task, userID uint64) error {
	if task.AssignedTo != userID {
		return fmt.Errorf("%w: task %d is not assigned to user %d", ErrTaskNotEligible, task.ID, userID)
	}
	if task.Category != types.CategoryBudget {
		return fmt.Errorf("%w: task %d has category %q", ErrTaskNotEligible, task.ID, task.Category)
	}
	return nil
}

// resolveManager picks the most senior active user. Ties go to the most
// recent login, then the lowest id. Users who never logged in rank last.
func (r *Router) resolveManager(ctx context.Context) (types.User, error) {
	users, err := r.store.ListActiveUsersByRoles(ctx, r.ranking)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: list managers: %v", ErrEscalationFailed, err)
	}

	candidates := users[:0]
	for _, u := range users {
		if _, ok := r.rank[u.Role]; ok && u.Active {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return types.User{}, ErrNoManagerAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := r.rank[a.Role], r.rank[b.Role]; ra != rb {
			return ra < rb
		}
		switch {
		case a.LastLogin != nil && b.LastLogin != nil && !a.LastLogin.Equal(*b.LastLogin):
			return a.LastLogin.After(*b.LastLogin)
		case a.LastLogin != nil && b.LastLogin == nil:
			return true
		case a.LastLogin == nil && b.LastLogin != nil:
			return false
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// originalPayload keeps structured descriptions as JSON and anything else as text.
func originalPayload(description string) interface{} {
	if json.Valid([]byte(description)) {
		return json.RawMessage(description)
	}
	return description
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "escalated"
	case errors.Is(err, ErrAlreadyEscalated):
		return "already_escalated"
	case errors.Is(err, ErrTaskNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrNoManagerAvailable):
		return "no_manager"
	default:
		return "failed"
	}
}
