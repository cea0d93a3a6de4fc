package types

import (
	"encoding/json"
	"time"
)

// TaskPriority is the urgency of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Task categories the escalation router cares about.
const (
	CategoryBudget         = "budget"
	CategoryBudgetApproval = "budget_approval"
)

// Task is a unit of assigned work.
type Task struct {
	ID          uint64       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"` // free text or JSON
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`
	Category    string       `json:"category"`
	AssignedTo  uint64       `json:"assigned_to"`
	CreatedBy   uint64       `json:"created_by"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// User is the slice of the portal's user record the workflow core reads.
type User struct {
	ID        uint64     `json:"id"`
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	Active    bool       `json:"active"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// WorkflowDefinition is a named automation rule bound to one trigger event.
type WorkflowDefinition struct {
	ID          uint64         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Body        DefinitionBody `json:"definition"`
	Active      bool           `json:"is_active"`
	CreatedBy   uint64         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InstanceStatus is the state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance can no longer advance.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// WorkflowInstance is one execution of a definition for one trigger firing.
type WorkflowInstance struct {
	ID             uint64          `json:"id"`
	DefinitionID   uint64          `json:"workflow_id"`
	Status         InstanceStatus  `json:"status"`
	TriggerPayload json.RawMessage `json:"trigger_data"`
	CurrentStep    int             `json:"current_step"`
	TriggeredBy    *uint64         `json:"triggered_by,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// StepStatus is the state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepTimedOut  StepStatus = "timed_out"
	StepFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step has finished one way or another.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepTimedOut || s == StepFailed
}

// StepExecution is one step's run within an instance.
type StepExecution struct {
	ID           uint64     `json:"id"`
	InstanceID   uint64     `json:"instance_id"`
	Index        int        `json:"step_index"`
	Name         string     `json:"name"`
	Type         StepType   `json:"type"`
	Status       StepStatus `json:"status"`
	AssigneeRole string     `json:"assignee_role,omitempty"`
	Recipients   []string   `json:"recipients,omitempty"`
	TimeoutHours int        `json:"timeout_hours,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	ResolvedBy   *uint64    `json:"resolved_by,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Expired reports whether a pending step's deadline is at or before now.
func (s StepExecution) Expired(now time.Time) bool {
	return s.Status == StepPending && s.Deadline != nil && !now.Before(*s.Deadline)
}

// InstanceResult summarizes what one firing definition did.
type InstanceResult struct {
	DefinitionID   uint64          `json:"workflow_id"`
	DefinitionName string          `json:"workflow_name"`
	InstanceID     uint64          `json:"instance_id"`
	Status         InstanceStatus  `json:"status"`
	Steps          []StepExecution `json:"steps"`
	Error          string          `json:"error,omitempty"`
}
