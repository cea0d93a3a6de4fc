package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// Errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicate is returned when a write would break a uniqueness rule,
	// such as a second approval task with the same title.
	ErrDuplicate = errors.New("duplicate resource")
)

// TaskTx is the set of task operations available inside a transaction.
type TaskTx interface {
	// LockTask reads a task and holds it until the transaction ends.
	LockTask(ctx context.Context, id uint64) (types.Task, error)
	// FindApproval looks up the budget approval task with an exact title,
	// whoever it is assigned to.
	FindApproval(ctx context.Context, title string) (types.Task, bool, error)
	CreateTask(ctx context.Context, task types.Task) error
	UpdateTaskStatus(ctx context.Context, id uint64, status types.TaskStatus) error
}

// TaskStore persists tasks.
type TaskStore interface {
	GetTask(ctx context.Context, id uint64) (types.Task, error)
	CreateTask(ctx context.Context, task types.Task) error
	ListTasksByAssignee(ctx context.Context, assignee uint64) ([]types.Task, error)

	// InTaskTx runs fn in one transaction. If fn returns an error, every
	// write made through tx is rolled back.
	InTaskTx(ctx context.Context, fn func(tx TaskTx) error) error
}

// UserStore exposes the user records needed to pick an escalation manager.
type UserStore interface {
	SaveUser(ctx context.Context, user types.User) error
	ListActiveUsersByRoles(ctx context.Context, roles []string) ([]types.User, error)
}

// DefinitionStore persists workflow definitions. Saves replace the whole row.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error)
	ListActiveDefinitions(ctx context.Context, trigger string) ([]types.WorkflowDefinition, error)
	SetDefinitionActive(ctx context.Context, id uint64, active bool) error
}

// InstanceStore persists workflow instances and their step executions.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)
	ListInstances(ctx context.Context, definitionID uint64, limit int) ([]types.WorkflowInstance, error)
	SaveStep(ctx context.Context, step types.StepExecution) error
	GetStep(ctx context.Context, id uint64) (types.StepExecution, error)
	ListSteps(ctx context.Context, instanceID uint64) ([]types.StepExecution, error)
	// ListExpiredSteps returns pending steps whose deadline is at or before now.
	ListExpiredSteps(ctx context.Context, now time.Time, limit int) ([]types.StepExecution, error)
	// PurgeInstances deletes terminal instances, and their steps, that
	// finished before cutoff. It returns the number of instances removed.
	PurgeInstances(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditStore records audit events.
type AuditStore interface {
	AppendAudit(ctx context.Context, event events.Event) error
}

// Storage is the single shared transactional store.
type Storage interface {
	TaskStore
	UserStore
	DefinitionStore
	InstanceStore
	AuditStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
