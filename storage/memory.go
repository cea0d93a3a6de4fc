package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// It is used by tests and by the portal's memory storage mode.
type MemoryStorage struct {
	tasks       map[uint64]types.Task
	users       map[uint64]types.User
	definitions map[uint64]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	steps       map[uint64]types.StepExecution
	audit       []events.Event
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:       make(map[uint64]types.Task),
		users:       make(map[uint64]types.User),
		definitions: make(map[uint64]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		steps:       make(map[uint64]types.StepExecution),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, what string) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %s id=%d", ErrNotFound, what, id)
		}
		return item, nil
	})
}

// putItem stores item under id while holding the write lock.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// GetTask retrieves a task.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, "task")
}

// CreateTask inserts a task.
func (s *MemoryStorage) CreateTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return memoryTaskTx{s}.CreateTask(ctx, task)
	})
}

// ListTasksByAssignee returns an assignee's tasks ordered by id.
func (s *MemoryStorage) ListTasksByAssignee(ctx context.Context, assignee uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Task
		for _, t := range s.tasks {
			if t.AssignedTo == assignee {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// InTaskTx serializes fn against every other writer and restores the task
// table if fn fails.
func (s *MemoryStorage) InTaskTx(ctx context.Context, fn func(tx TaskTx) error) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		snapshot := make(map[uint64]types.Task, len(s.tasks))
		for id, t := range s.tasks {
			snapshot[id] = t
		}
		if err := fn(memoryTaskTx{s}); err != nil {
			s.tasks = snapshot
			return err
		}
		return nil
	})
}

// memoryTaskTx operates on the task map of a MemoryStorage whose lock is
// already held.
type memoryTaskTx struct {
	s *MemoryStorage
}

func (tx memoryTaskTx) LockTask(_ context.Context, id uint64) (types.Task, error) {
	t, ok := tx.s.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: task id=%d", ErrNotFound, id)
	}
	return t, nil
}

func (tx memoryTaskTx) FindApproval(_ context.Context, title string) (types.Task, bool, error) {
	for _, t := range tx.s.tasks {
		if t.Category == types.CategoryBudgetApproval && t.Title == title {
			return t, true, nil
		}
	}
	return types.Task{}, false, nil
}

func (tx memoryTaskTx) CreateTask(_ context.Context, task types.Task) error {
	if _, exists := tx.s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task id=%d", ErrDuplicate, task.ID)
	}
	if task.Category == types.CategoryBudgetApproval {
		for _, t := range tx.s.tasks {
			if t.Category == types.CategoryBudgetApproval && t.Title == task.Title {
				return fmt.Errorf("%w: approval task %q", ErrDuplicate, task.Title)
			}
		}
	}
	tx.s.tasks[task.ID] = task
	return nil
}

func (tx memoryTaskTx) UpdateTaskStatus(_ context.Context, id uint64, status types.TaskStatus) error {
	t, ok := tx.s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task id=%d", ErrNotFound, id)
	}
	t.Status = status
	tx.s.tasks[id] = t
	return nil
}

// SaveUser inserts or replaces a user.
func (s *MemoryStorage) SaveUser(ctx context.Context, user types.User) error {
	return putItem(ctx, &s.mu, s.users, user.ID, user)
}

// ListActiveUsersByRoles returns active users holding any of roles, ordered by id.
func (s *MemoryStorage) ListActiveUsersByRoles(ctx context.Context, roles []string) ([]types.User, error) {
	return withContext(ctx, func() ([]types.User, error) {
		wanted := make(map[string]bool, len(roles))
		for _, r := range roles {
			wanted[r] = true
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.User
		for _, u := range s.users {
			if u.Active && wanted[u.Role] {
				out = append(out, u)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveDefinition inserts or replaces a workflow definition.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return putItem(ctx, &s.mu, s.definitions, def.ID, def)
}

// GetDefinition retrieves a workflow definition.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, "workflow")
}

// ListDefinitions returns every definition, newest first.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return s.listDefinitions(ctx, func(types.WorkflowDefinition) bool { return true })
}

// ListActiveDefinitions returns active definitions bound to trigger.
func (s *MemoryStorage) ListActiveDefinitions(ctx context.Context, trigger string) ([]types.WorkflowDefinition, error) {
	defs, err := s.listDefinitions(ctx, func(d types.WorkflowDefinition) bool {
		return d.Active && d.Body.Trigger == trigger
	})
	if err != nil {
		return nil, err
	}
	// Firing order is creation order.
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (s *MemoryStorage) listDefinitions(ctx context.Context, keep func(types.WorkflowDefinition) bool) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowDefinition
		for _, d := range s.definitions {
			if keep(d) {
				out = append(out, d)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		return out, nil
	})
}

// SetDefinitionActive flips a definition's active flag.
func (s *MemoryStorage) SetDefinitionActive(ctx context.Context, id uint64, active bool) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		d, ok := s.definitions[id]
		if !ok {
			return fmt.Errorf("%w: workflow id=%d", ErrNotFound, id)
		}
		d.Active = active
		s.definitions[id] = d
		return nil
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return putItem(ctx, &s.mu, s.instances, inst.ID, inst)
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, "instance")
}

// ListInstances returns a definition's most recent instances.
func (s *MemoryStorage) ListInstances(ctx context.Context, definitionID uint64, limit int) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.DefinitionID == definitionID {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// SaveStep inserts or replaces a step execution.
func (s *MemoryStorage) SaveStep(ctx context.Context, step types.StepExecution) error {
	return putItem(ctx, &s.mu, s.steps, step.ID, step)
}

// GetStep retrieves a step execution.
func (s *MemoryStorage) GetStep(ctx context.Context, id uint64) (types.StepExecution, error) {
	return getItem(ctx, &s.mu, s.steps, id, "step")
}

// ListSteps returns an instance's steps in execution order.
func (s *MemoryStorage) ListSteps(ctx context.Context, instanceID uint64) ([]types.StepExecution, error) {
	return withContext(ctx, func() ([]types.StepExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.StepExecution
		for _, st := range s.steps {
			if st.InstanceID == instanceID {
				out = append(out, st)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
		return out, nil
	})
}

// ListExpiredSteps returns pending steps past their deadline, oldest deadline first.
func (s *MemoryStorage) ListExpiredSteps(ctx context.Context, now time.Time, limit int) ([]types.StepExecution, error) {
	return withContext(ctx, func() ([]types.StepExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.StepExecution
		for _, st := range s.steps {
			if st.Expired(now) {
				out = append(out, st)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// PurgeInstances removes finished instances and their steps.
func (s *MemoryStorage) PurgeInstances(ctx context.Context, cutoff time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, inst := range s.instances {
			if !inst.Status.IsTerminal() || inst.CompletedAt == nil || !inst.CompletedAt.Before(cutoff) {
				continue
			}
			delete(s.instances, id)
			for sid, st := range s.steps {
				if st.InstanceID == id {
					delete(s.steps, sid)
				}
			}
			removed++
		}
		return removed, nil
	})
}

// AppendAudit records an audit event.
func (s *MemoryStorage) AppendAudit(ctx context.Context, event events.Event) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.audit = append(s.audit, event)
		return nil
	})
}

// AuditLog returns a copy of the recorded audit events.
func (s *MemoryStorage) AuditLog() []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.Event, len(s.audit))
	copy(out, s.audit)
	return out
}
