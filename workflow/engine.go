package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/rules"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound = errors.New("workflow not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrStepNotFound       = errors.New("step not found")
	ErrNotApprovalStep    = errors.New("step is not an approval step")
	ErrStepNotPending     = errors.New("step is not awaiting approval")
	ErrApprovalExpired    = errors.New("approval deadline has passed")
	ErrInvalidPayload     = errors.New("trigger payload must be a JSON object")
)

// Store is the slice of storage the engine needs.
type Store interface {
	storage.DefinitionStore
	storage.InstanceStore
}

// Engine evaluates trigger events against workflow definitions and drives
// the resulting instances through their steps.
type Engine struct {
	store     Store
	evaluator rules.Evaluator
	generate  generator.Generator
	notifier  Notifier
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// advanceMu serializes every instance write from the first save of a
	// new instance through its last resolve, sweep or inspect.
	advanceMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notification sender.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublisher sets the audit publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) { e.publisher = pub }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new Engine with the given generator, storage and evaluator.
func NewEngine(generate generator.Generator, store Store, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		store:     store,
		evaluator: evaluator,
		generate:  generate,
		logger:    slog.Default(),
		tracer:    telemetry.Tracer("workflow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "workflow"))
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.logger)
	}
	return e, nil
}

// Trigger runs every active definition bound to event whose conditions
// hold for payload. Each definition is isolated: its failure is recorded on
// its own result. Only a failure to load definitions is returned as an
// error. Definitions whose conditions do not hold produce no result.
func (e *Engine) Trigger(ctx context.Context, event string, payload json.RawMessage) ([]types.InstanceResult, error) {
	return e.trigger(ctx, event, payload, nil, nil)
}

func (e *Engine) trigger(ctx context.Context, event string, payload json.RawMessage, actor *uint64, only *types.WorkflowDefinition) ([]types.InstanceResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.Trigger", trace.WithAttributes(attribute.String("workflow.event", event)))
	defer span.End()
	start := time.Now()
	defer func() {
		telemetry.TriggerDurationSeconds.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}()
	telemetry.TriggersTotal.WithLabelValues(event).Inc()

	raw, fields, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	var defs []types.WorkflowDefinition
	if only != nil {
		defs = []types.WorkflowDefinition{*only}
	} else {
		defs, err = e.store.ListActiveDefinitions(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load definitions")
			return nil, fmt.Errorf("load definitions for %s: %w", event, err)
		}
	}

	results := make([]types.InstanceResult, 0, len(defs))
	for _, def := range defs {
		res, fired := e.runDefinition(ctx, def, raw, fields, actor)
		if fired {
			results = append(results, res)
		}
	}

	e.logger.Debug("trigger handled",
		slog.String("event", event),
		slog.Int("definitions", len(defs)),
		slog.Int("fired", len(results)),
	)
	return results, nil
}

// decodePayload returns the payload as stored and as a field map.
func decodePayload(payload json.RawMessage) (json.RawMessage, map[string]interface{}, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var fields map[string]interface{}
	if raw[0] != '{' {
		return nil, nil, ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return json.RawMessage(raw), fields, nil
}

// runDefinition evaluates one definition and, if it fires, executes a new
// instance of it. fired reports whether a result should be returned.
func (e *Engine) runDefinition(ctx context.Context, def types.WorkflowDefinition, raw json.RawMessage, fields map[string]interface{}, actor *uint64) (res types.InstanceResult, fired bool) {
	res = types.InstanceResult{DefinitionID: def.ID, DefinitionName: def.Name}
	logger := e.logger.With(slog.Uint64("workflow_id", def.ID))

	var inst *types.WorkflowInstance
	defer func() {
		if r := recover(); r != nil {
			fired = true
			res.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("workflow panicked", slog.String("error", res.Error))
			if inst != nil && !inst.Status.IsTerminal() {
				e.advanceMu.Lock()
				if err := e.finish(ctx, def, inst, types.InstanceFailed, res.Error); err != nil {
					logger.Error("failed to record panic on instance", slog.String("error", err.Error()))
				}
				e.advanceMu.Unlock()
				res.Status = inst.Status
			}
		}
	}()

	ok, err := e.evaluator.Match(def.Body.Conditions, fields)
	if err != nil {
		logger.Warn("condition evaluation failed", slog.String("error", err.Error()))
		res.Error = err.Error()
		return res, true
	}
	if !ok {
		logger.Debug("conditions not met")
		return res, false
	}

	id, err := e.generate.NextID()
	if err != nil {
		res.Error = fmt.Sprintf("failed to generate ID: %v", err)
		return res, true
	}

	inst = &types.WorkflowInstance{
		ID:             id,
		DefinitionID:   def.ID,
		Status:         types.InstanceRunning,
		TriggerPayload: raw,
		TriggeredBy:    actor,
		StartedAt:      e.now().UTC(),
	}
	res.InstanceID = id
	saved, err := e.start(ctx, def, inst)
	if !saved {
		res.Error = fmt.Sprintf("failed to save instance: %v", err)
		return res, true
	}
	if err != nil {
		logger.Error("workflow execution failed", slog.Uint64("instance_id", id), slog.String("error", err.Error()))
		res.Error = err.Error()
	}
	return e.fillResult(ctx, res, inst), true
}

// start saves a new instance and runs it up to its first approval or its
// end. Resolvers in this process wait until it returns.
func (e *Engine) start(ctx context.Context, def types.WorkflowDefinition, inst *types.WorkflowInstance) (saved bool, err error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		return false, err
	}
	return true, e.advance(ctx, def, inst, 0)
}

// fillResult copies the instance outcome and its steps into res.
func (e *Engine) fillResult(ctx context.Context, res types.InstanceResult, inst *types.WorkflowInstance) types.InstanceResult {
	res.InstanceID = inst.ID
	res.Status = inst.Status
	if res.Error == "" {
		res.Error = inst.Error
	}
	steps, err := e.store.ListSteps(ctx, inst.ID)
	if err != nil {
		e.logger.Warn("failed to list steps", slog.Uint64("instance_id", inst.ID), slog.String("error", err.Error()))
	}
	res.Steps = steps
	return res
}

// advance executes steps from index on until the instance blocks on an
// approval or reaches a terminal status. A returned error is a storage
// failure; step failures are recorded on the instance.
func (e *Engine) advance(ctx context.Context, def types.WorkflowDefinition, inst *types.WorkflowInstance, from int) error {
	steps := def.Body.Steps
	for i := from; i < len(steps); i++ {
		inst.CurrentStep = i
		if steps[i].Approval != nil {
			// Resolvers in other replicas may act as soon as the pending
			// step is stored, so the instance is written first.
			if err := e.store.SaveInstance(ctx, *inst); err != nil {
				return fmt.Errorf("failed to save instance: %w", err)
			}
		}
		exec, err := e.executeStep(ctx, def, inst, i, steps[i])
		if err != nil {
			return err
		}

		switch exec.Status {
		case types.StepCompleted:
			continue
		case types.StepPending:
			return nil
		default:
			return e.finish(ctx, def, inst, types.InstanceFailed, fmt.Sprintf("step %d (%s): %s", i, exec.Name, exec.Error))
		}
	}
	return e.finish(ctx, def, inst, types.InstanceCompleted, "")
}

// executeStep records and runs one step.
func (e *Engine) executeStep(ctx context.Context, def types.WorkflowDefinition, inst *types.WorkflowInstance, index int, step types.Step) (types.StepExecution, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return types.StepExecution{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now().UTC()
	exec := types.StepExecution{
		ID:         id,
		InstanceID: inst.ID,
		Index:      index,
		Name:       step.Name,
		Type:       step.Type,
		StartedAt:  now,
	}

	switch {
	case step.Approval != nil:
		deadline := now.Add(time.Duration(step.Approval.TimeoutHours) * time.Hour)
		exec.Status = types.StepPending
		exec.AssigneeRole = step.Approval.AssigneeRole
		exec.TimeoutHours = step.Approval.TimeoutHours
		exec.Deadline = &deadline

	case step.Notification != nil:
		exec.Recipients = step.Notification.Recipients
		note := Notification{
			InstanceID:     inst.ID,
			StepID:         id,
			DefinitionID:   def.ID,
			DefinitionName: def.Name,
			Template:       step.Notification.Template,
			Recipients:     step.Notification.Recipients,
			Payload:        inst.TriggerPayload,
		}
		if err := e.notifier.Notify(ctx, note); err != nil {
			e.logger.Warn("notification failed",
				slog.Uint64("instance_id", inst.ID),
				slog.String("template", note.Template),
				slog.String("error", err.Error()),
			)
		}
		exec.Status = types.StepCompleted
		exec.CompletedAt = &now

	default:
		exec.Status = types.StepFailed
		exec.Error = fmt.Errorf("%w: %q", types.ErrUnsupportedStepType, step.Type).Error()
		exec.CompletedAt = &now
	}

	telemetry.StepsExecuted.WithLabelValues(string(step.Type), string(exec.Status)).Inc()
	if err := e.store.SaveStep(ctx, exec); err != nil {
		return exec, fmt.Errorf("failed to save step: %w", err)
	}
	return exec, nil
}

// finish moves inst to a terminal status and persists it.
func (e *Engine) finish(ctx context.Context, def types.WorkflowDefinition, inst *types.WorkflowInstance, status types.InstanceStatus, errMsg string) error {
	now := e.now().UTC()
	inst.Status = status
	inst.Error = errMsg
	inst.CompletedAt = &now
	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	telemetry.InstancesFinished.WithLabelValues(string(status)).Inc()
	e.logger.Info("workflow instance finished",
		slog.Uint64("workflow_id", def.ID),
		slog.Uint64("instance_id", inst.ID),
		slog.String("status", string(status)),
	)
	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.InstanceFinished, 0, inst.ID, map[string]interface{}{
		"workflow_id": def.ID,
		"status":      string(status),
		"error":       errMsg,
	}))
	return nil
}
