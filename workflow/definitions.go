package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// DefinitionInput is the editable part of a workflow definition.
type DefinitionInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Body        json.RawMessage `json:"definition"`
}

func (in DefinitionInput) parse() (types.DefinitionBody, error) {
	if strings.TrimSpace(in.Name) == "" {
		return types.DefinitionBody{}, fmt.Errorf("%w: name is required", types.ErrMalformedDefinition)
	}
	return types.ParseDefinitionBody(in.Body)
}

// CreateDefinition validates and stores a new, active definition. A
// malformed body is rejected with types.ErrMalformedDefinition and never
// stored.
func (e *Engine) CreateDefinition(ctx context.Context, in DefinitionInput, actorID uint64) (types.WorkflowDefinition, error) {
	body, err := in.parse()
	if err != nil {
		return types.WorkflowDefinition{}, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	def := types.WorkflowDefinition{
		ID:          id,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Body:        body,
		Active:      true,
		CreatedBy:   actorID,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("save workflow: %w", err)
	}

	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.WorkflowCreated, actorID, id, map[string]interface{}{
		"name":    def.Name,
		"trigger": body.Trigger,
	}))
	return def, nil
}

// ReplaceDefinition swaps a definition's name, description and body as a
// whole. The active flag and creation metadata are kept.
func (e *Engine) ReplaceDefinition(ctx context.Context, id uint64, in DefinitionInput, actorID uint64) (types.WorkflowDefinition, error) {
	body, err := in.parse()
	if err != nil {
		return types.WorkflowDefinition{}, err
	}

	def, err := e.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	def.Name = strings.TrimSpace(in.Name)
	def.Description = in.Description
	def.Body = body
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("save workflow: %w", err)
	}

	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.WorkflowReplaced, actorID, id, map[string]interface{}{
		"name":    def.Name,
		"trigger": body.Trigger,
	}))
	return def, nil
}

// ToggleDefinition flips a definition's active flag.
func (e *Engine) ToggleDefinition(ctx context.Context, id uint64, actorID uint64) (types.WorkflowDefinition, error) {
	def, err := e.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	def.Active = !def.Active
	if err := e.store.SetDefinitionActive(ctx, id, def.Active); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("toggle workflow: %w", err)
	}

	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.WorkflowToggled, actorID, id, map[string]interface{}{
		"is_active": def.Active,
	}))
	return def, nil
}

// GetDefinition returns one definition.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return def, fmt.Errorf("%w: %d", ErrDefinitionNotFound, id)
	}
	return def, err
}

// ListDefinitions returns every definition, newest first.
func (e *Engine) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx)
}

// TestResult is the outcome of a test run. Result is nil when the
// conditions did not hold.
type TestResult struct {
	Matched bool                  `json:"matched"`
	Result  *types.InstanceResult `json:"result,omitempty"`
}

// TestDefinition runs one definition against payload as if its trigger had
// fired, whether or not the definition is active. Sibling definitions on the
// same trigger are not run.
func (e *Engine) TestDefinition(ctx context.Context, id uint64, payload json.RawMessage, actorID uint64) (TestResult, error) {
	def, err := e.GetDefinition(ctx, id)
	if err != nil {
		return TestResult{}, err
	}

	results, err := e.trigger(ctx, def.Body.Trigger, payload, &actorID, &def)
	if err != nil {
		return TestResult{}, err
	}

	var out TestResult
	if len(results) > 0 {
		out.Matched = results[0].InstanceID != 0
		out.Result = &results[0]
	}
	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.WorkflowTested, actorID, id, map[string]interface{}{
		"matched": out.Matched,
	}))
	return out, nil
}
