package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// sweepBatch caps how many expired steps one sweep loads.
const sweepBatch = 500

// InstanceDetail is an instance together with its recorded steps.
type InstanceDetail struct {
	Instance types.WorkflowInstance `json:"instance"`
	Steps    []types.StepExecution  `json:"steps"`
}

// GetInstance returns an instance and its steps. A pending approval whose
// deadline has passed is timed out before the instance is returned.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (InstanceDetail, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return InstanceDetail{}, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}
	if err != nil {
		return InstanceDetail{}, err
	}
	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return InstanceDetail{}, err
	}

	now := e.now()
	for i := range steps {
		if !steps[i].Expired(now) {
			continue
		}
		if err := e.expire(ctx, &inst, &steps[i], now); err != nil {
			return InstanceDetail{}, err
		}
	}
	return InstanceDetail{Instance: inst, Steps: steps}, nil
}

// ListInstances returns a definition's most recent instances.
func (e *Engine) ListInstances(ctx context.Context, definitionID uint64, limit int) ([]types.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListInstances(ctx, definitionID, limit)
}

// ResolveApproval approves or rejects a pending approval step. Approval
// resumes the instance at the next step. Rejection fails the instance.
func (e *Engine) ResolveApproval(ctx context.Context, stepID uint64, approved bool, actorID uint64) (types.InstanceResult, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	step, err := e.store.GetStep(ctx, stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.InstanceResult{}, fmt.Errorf("%w: %d", ErrStepNotFound, stepID)
	}
	if err != nil {
		return types.InstanceResult{}, err
	}
	if step.Type != types.StepTypeApproval {
		return types.InstanceResult{}, fmt.Errorf("%w: %d", ErrNotApprovalStep, stepID)
	}

	inst, err := e.store.GetInstance(ctx, step.InstanceID)
	if err != nil {
		return types.InstanceResult{}, fmt.Errorf("load instance %d: %w", step.InstanceID, err)
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return types.InstanceResult{}, fmt.Errorf("load workflow %d: %w", inst.DefinitionID, err)
	}
	res := types.InstanceResult{DefinitionID: def.ID, DefinitionName: def.Name, InstanceID: inst.ID}

	now := e.now()
	if step.Expired(now) {
		if err := e.expire(ctx, &inst, &step, now); err != nil {
			return res, err
		}
		return e.fillResult(ctx, res, &inst), fmt.Errorf("%w: step %d", ErrApprovalExpired, stepID)
	}
	if step.Status != types.StepPending || inst.Status.IsTerminal() {
		return e.fillResult(ctx, res, &inst), fmt.Errorf("%w: step %d is %s", ErrStepNotPending, stepID, step.Status)
	}

	resolvedAt := now.UTC()
	step.ResolvedBy = &actorID
	step.CompletedAt = &resolvedAt
	if approved {
		step.Status = types.StepCompleted
	} else {
		step.Status = types.StepFailed
		step.Error = fmt.Sprintf("rejected by user %d", actorID)
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		return res, fmt.Errorf("failed to save step: %w", err)
	}

	if approved {
		err = e.advance(ctx, def, &inst, step.Index+1)
	} else {
		err = e.finish(ctx, def, &inst, types.InstanceFailed, fmt.Sprintf("step %d (%s): %s", step.Index, step.Name, step.Error))
	}
	if err != nil {
		return res, err
	}

	e.logger.Info("approval resolved",
		slog.Uint64("step_id", stepID),
		slog.Uint64("instance_id", inst.ID),
		slog.Bool("approved", approved),
		slog.Uint64("actor_id", actorID),
	)
	events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.ApprovalResolved, actorID, stepID, map[string]interface{}{
		"instance_id": inst.ID,
		"approved":    approved,
	}))
	return e.fillResult(ctx, res, &inst), nil
}

// SweepExpired times out every pending approval whose deadline is at or
// before now and fails its instance. It returns the number of steps resolved.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	total := 0
	for {
		expired, err := e.store.ListExpiredSteps(ctx, now, sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list expired steps: %w", err)
		}
		for i := range expired {
			step := expired[i]
			inst, err := e.store.GetInstance(ctx, step.InstanceID)
			if err != nil {
				return total, fmt.Errorf("load instance %d: %w", step.InstanceID, err)
			}
			if err := e.expire(ctx, &inst, &step, now); err != nil {
				return total, err
			}
			total++
		}
		if len(expired) < sweepBatch {
			break
		}
	}

	if total > 0 {
		e.logger.Info("expired approvals swept", slog.Int("count", total))
		events.Emit(ctx, e.publisher, e.logger, events.NewEvent(events.ApprovalsTimedOut, 0, 0, map[string]interface{}{
			"count": total,
		}))
	}
	return total, nil
}

// expire marks step timed out and fails its instance. The caller holds advanceMu.
func (e *Engine) expire(ctx context.Context, inst *types.WorkflowInstance, step *types.StepExecution, now time.Time) error {
	at := now.UTC()
	step.Status = types.StepTimedOut
	step.Error = "approval deadline passed"
	step.CompletedAt = &at
	if err := e.store.SaveStep(ctx, *step); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	telemetry.ApprovalsTimedOut.Inc()

	if inst.Status.IsTerminal() {
		return nil
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		def = types.WorkflowDefinition{ID: inst.DefinitionID}
	}
	return e.finish(ctx, def, inst, types.InstanceFailed, fmt.Sprintf("step %d (%s): timed out", step.Index, step.Name))
}
