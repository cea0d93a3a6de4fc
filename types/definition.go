package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedDefinition is returned when a definition body cannot be
	// parsed into a trigger, a condition list and a step list.
	ErrMalformedDefinition = errors.New("malformed workflow definition")
	// ErrUnsupportedStepType is recorded on a step whose type the engine
	// does not know how to execute.
	ErrUnsupportedStepType = errors.New("unsupported step type")
)

const (
	// DefaultApprovalTimeoutHours applies when an approval step omits timeout_hours.
	DefaultApprovalTimeoutHours = 24
	// MaxApprovalTimeoutHours is one leap year.
	MaxApprovalTimeoutHours = 366 * 24
)

// Operator is a comparison operator usable in a condition.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Valid reports whether op belongs to the closed operator set.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Condition is a single field/operator/value predicate over a trigger payload.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// StepType names a step variant.
type StepType string

const (
	StepTypeApproval     StepType = "approval"
	StepTypeNotification StepType = "notification"
)

// ApprovalStep blocks the instance until a holder of AssigneeRole resolves
// it or TimeoutHours elapse.
type ApprovalStep struct {
	AssigneeRole string `json:"assignee_role"`
	TimeoutHours int    `json:"timeout_hours"`
}

// NotificationStep sends Template to Recipients and completes immediately.
type NotificationStep struct {
	Template   string   `json:"template"`
	Recipients []string `json:"recipients"`
}

// Step is a tagged variant. Exactly one of Approval or Notification is set
// for a supported Type; an unknown Type keeps both nil and fails at
// execution time.
type Step struct {
	Name         string
	Type         StepType
	Approval     *ApprovalStep
	Notification *NotificationStep
}

// Supported reports whether the engine has an executor for the step.
func (s Step) Supported() bool {
	return s.Approval != nil || s.Notification != nil
}

type rawStep struct {
	Name         string   `json:"name"`
	Type         StepType `json:"type"`
	AssigneeRole string   `json:"assignee_role,omitempty"`
	TimeoutHours *int     `json:"timeout_hours,omitempty"`
	Template     string   `json:"template,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
}

// UnmarshalJSON decodes the flat step object used by the admin UI.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(string(raw.Type)) == "" {
		return errors.New("step type is required")
	}

	*s = Step{Name: raw.Name, Type: raw.Type}
	switch raw.Type {
	case StepTypeApproval:
		if raw.AssigneeRole == "" {
			return fmt.Errorf("approval step %q: assignee_role is required", raw.Name)
		}
		hours := DefaultApprovalTimeoutHours
		if raw.TimeoutHours != nil {
			hours = *raw.TimeoutHours
		}
		if hours < 0 || hours > MaxApprovalTimeoutHours {
			return fmt.Errorf("approval step %q: timeout_hours must be between 0 and %d", raw.Name, MaxApprovalTimeoutHours)
		}
		s.Approval = &ApprovalStep{AssigneeRole: raw.AssigneeRole, TimeoutHours: hours}
	case StepTypeNotification:
		s.Notification = &NotificationStep{Template: raw.Template, Recipients: raw.Recipients}
	}
	return nil
}

// MarshalJSON encodes the step back into its flat form.
func (s Step) MarshalJSON() ([]byte, error) {
	raw := rawStep{Name: s.Name, Type: s.Type}
	if s.Approval != nil {
		hours := s.Approval.TimeoutHours
		raw.AssigneeRole = s.Approval.AssigneeRole
		raw.TimeoutHours = &hours
	}
	if s.Notification != nil {
		raw.Template = s.Notification.Template
		raw.Recipients = s.Notification.Recipients
	}
	return json.Marshal(raw)
}

// DefinitionBody is the parsed trigger, conditions and steps of a definition.
type DefinitionBody struct {
	Trigger    string      `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Steps      []Step      `json:"steps"`
}

// ParseDefinitionBody parses and checks a raw definition body. Every
// failure wraps ErrMalformedDefinition.
func ParseDefinitionBody(raw []byte) (DefinitionBody, error) {
	var body DefinitionBody
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body, fmt.Errorf("%w: body must be a JSON object", ErrMalformedDefinition)
	}
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return DefinitionBody{}, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}
	if err := body.Validate(); err != nil {
		return DefinitionBody{}, err
	}
	return body, nil
}

// Validate checks the parts of a body that must hold before it is stored.
func (b DefinitionBody) Validate() error {
	if strings.TrimSpace(b.Trigger) == "" {
		return fmt.Errorf("%w: trigger is required", ErrMalformedDefinition)
	}
	for i, c := range b.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: condition %d: field is required", ErrMalformedDefinition, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: unknown operator %q", ErrMalformedDefinition, i, c.Operator)
		}
	}
	return nil
}
