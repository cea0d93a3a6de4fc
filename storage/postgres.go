package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/storage/migrations"
	"github.com/kapstong/integ-capstone-sub005/types"
)

const uniqueViolation = "23505"

// PostgresStorage is a PostgreSQL-backed implementation of the Storage interface.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage wraps a pgxpool with the Storage interface.
func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema in order. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	applied := make([]string, 0, len(migrations.Files))
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner reads from any pgx row type.
type rowScanner interface {
	Scan(...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const taskColumns = `id, title, description, priority, status, category,
	assigned_to, created_by, due_date, created_at`

func scanTask(row rowScanner) (types.Task, error) {
	var t types.Task
	var priority, status string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &priority, &status, &t.Category,
		&t.AssignedTo, &t.CreatedBy, &t.DueDate, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Task{}, ErrNotFound
		}
		return types.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = types.TaskPriority(priority)
	t.Status = types.TaskStatus(status)
	return t, nil
}

func getTask(ctx context.Context, q querier, id uint64, lock bool) (types.Task, error) {
	sql := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRow(ctx, sql, id))
	if errors.Is(err, ErrNotFound) {
		return t, fmt.Errorf("%w: task id=%d", ErrNotFound, id)
	}
	return t, err
}

func createTask(ctx context.Context, q querier, t types.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Title, t.Description, string(t.Priority), string(t.Status), t.Category,
		t.AssignedTo, t.CreatedBy, t.DueDate, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %q", ErrDuplicate, t.Title)
	}
	if err != nil {
		return fmt.Errorf("create task %d: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task.
func (s *PostgresStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getTask(ctx, s.pool, id, false)
}

// CreateTask inserts a task.
func (s *PostgresStorage) CreateTask(ctx context.Context, task types.Task) error {
	return createTask(ctx, s.pool, task)
}

// ListTasksByAssignee returns an assignee's tasks ordered by id.
func (s *PostgresStorage) ListTasksByAssignee(ctx context.Context, assignee uint64) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_to = $1 ORDER BY id`, assignee)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %d: %w", assignee, err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InTaskTx runs fn inside a single database transaction.
func (s *PostgresStorage) InTaskTx(ctx context.Context, fn func(tx TaskTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTaskTx{tx: tx})
	})
}

type pgTaskTx struct {
	tx pgx.Tx
}

func (p pgTaskTx) LockTask(ctx context.Context, id uint64) (types.Task, error) {
	return getTask(ctx, p.tx, id, true)
}

func (p pgTaskTx) FindApproval(ctx context.Context, title string) (types.Task, bool, error) {
	t, err := scanTask(p.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE category = $1 AND title = $2 LIMIT 1`,
		string(types.CategoryBudgetApproval), title))
	if errors.Is(err, ErrNotFound) {
		return types.Task{}, false, nil
	}
	if err != nil {
		return types.Task{}, false, err
	}
	return t, true, nil
}

func (p pgTaskTx) CreateTask(ctx context.Context, task types.Task) error {
	return createTask(ctx, p.tx, task)
}

func (p pgTaskTx) UpdateTaskStatus(ctx context.Context, id uint64, status types.TaskStatus) error {
	tag, err := p.tx.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status for task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task id=%d", ErrNotFound, id)
	}
	return nil
}

// SaveUser inserts or replaces a user.
func (s *PostgresStorage) SaveUser(ctx context.Context, u types.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, role, is_active, last_login)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, role = EXCLUDED.role,
		    is_active = EXCLUDED.is_active, last_login = EXCLUDED.last_login
	`, u.ID, u.Username, u.Role, u.Active, u.LastLogin)
	if err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

// ListActiveUsersByRoles returns active users holding any of roles, ordered by id.
func (s *PostgresStorage) ListActiveUsersByRoles(ctx context.Context, roles []string) ([]types.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, role, is_active, last_login
		FROM users
		WHERE is_active AND role = ANY($1)
		ORDER BY id
	`, roles)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.Active, &u.LastLogin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const definitionColumns = `id, name, description, definition, is_active, created_by, created_at`

func scanDefinition(row rowScanner) (types.WorkflowDefinition, error) {
	var d types.WorkflowDefinition
	var body []byte
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &body, &d.Active, &d.CreatedBy, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(body, &d.Body); err != nil {
		return d, fmt.Errorf("decode workflow %d: %w", d.ID, err)
	}
	return d, nil
}

func (s *PostgresStorage) queryDefinitions(ctx context.Context, sql string, args ...any) ([]types.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var defs []types.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// SaveDefinition inserts or fully replaces a workflow definition.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, d types.WorkflowDefinition) error {
	body, err := json.Marshal(d.Body)
	if err != nil {
		return fmt.Errorf("encode workflow %d: %w", d.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, description, trigger_event, definition, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    trigger_event = EXCLUDED.trigger_event, definition = EXCLUDED.definition,
		    is_active = EXCLUDED.is_active
	`, d.ID, d.Name, d.Description, d.Body.Trigger, body, d.Active, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %d: %w", d.ID, err)
	}
	return nil
}

// GetDefinition retrieves a workflow definition.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	d, err := scanDefinition(s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return d, fmt.Errorf("%w: workflow id=%d", ErrNotFound, id)
	}
	return d, err
}

// ListDefinitions returns every definition, newest first.
func (s *PostgresStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM workflows ORDER BY id DESC`)
}

// ListActiveDefinitions returns active definitions bound to trigger in creation order.
func (s *PostgresStorage) ListActiveDefinitions(ctx context.Context, trigger string) ([]types.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+`
		FROM workflows
		WHERE is_active AND trigger_event = $1
		ORDER BY id
	`, trigger)
}

// SetDefinitionActive flips a definition's active flag.
func (s *PostgresStorage) SetDefinitionActive(ctx context.Context, id uint64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workflows SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("toggle workflow %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: workflow id=%d", ErrNotFound, id)
	}
	return nil
}

const instanceColumns = `id, workflow_id, status, trigger_payload, current_step,
	triggered_by, error, started_at, completed_at`

func scanInstance(row rowScanner) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	var status string
	var payload []byte
	err := row.Scan(&inst.ID, &inst.DefinitionID, &status, &payload, &inst.CurrentStep,
		&inst.TriggeredBy, &inst.Error, &inst.StartedAt, &inst.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inst, ErrNotFound
		}
		return inst, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = types.InstanceStatus(status)
	inst.TriggerPayload = payload
	return inst, nil
}

// SaveInstance inserts or replaces a workflow instance.
func (s *PostgresStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	payload := []byte(inst.TriggerPayload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, current_step = EXCLUDED.current_step,
		    error = EXCLUDED.error, completed_at = EXCLUDED.completed_at
	`, inst.ID, inst.DefinitionID, string(inst.Status), payload, inst.CurrentStep,
		inst.TriggeredBy, inst.Error, inst.StartedAt, inst.CompletedAt)
	if err != nil {
		return fmt.Errorf("save instance %d: %w", inst.ID, err)
	}
	return nil
}

// GetInstance retrieves a workflow instance.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return inst, fmt.Errorf("%w: instance id=%d", ErrNotFound, id)
	}
	return inst, err
}

// ListInstances returns a definition's most recent instances.
func (s *PostgresStorage) ListInstances(ctx context.Context, definitionID uint64, limit int) ([]types.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE workflow_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, definitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list instances for workflow %d: %w", definitionID, err)
	}
	defer rows.Close()

	var out []types.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const stepColumns = `id, instance_id, step_index, name, type, status, assignee_role,
	recipients, timeout_hours, deadline, resolved_by, error, started_at, completed_at`

func scanStep(row rowScanner) (types.StepExecution, error) {
	var st types.StepExecution
	var stepType, status string
	var recipients []byte
	err := row.Scan(&st.ID, &st.InstanceID, &st.Index, &st.Name, &stepType, &status, &st.AssigneeRole,
		&recipients, &st.TimeoutHours, &st.Deadline, &st.ResolvedBy, &st.Error, &st.StartedAt, &st.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, ErrNotFound
		}
		return st, fmt.Errorf("scan step: %w", err)
	}
	st.Type = types.StepType(stepType)
	st.Status = types.StepStatus(status)
	if err := json.Unmarshal(recipients, &st.Recipients); err != nil {
		return st, fmt.Errorf("decode recipients of step %d: %w", st.ID, err)
	}
	return st, nil
}

func (s *PostgresStorage) querySteps(ctx context.Context, sql string, args ...any) ([]types.StepExecution, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []types.StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveStep inserts or replaces a step execution.
func (s *PostgresStorage) SaveStep(ctx context.Context, st types.StepExecution) error {
	recipients := st.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	encoded, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("encode recipients of step %d: %w", st.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, resolved_by = EXCLUDED.resolved_by,
		    error = EXCLUDED.error, completed_at = EXCLUDED.completed_at
	`, st.ID, st.InstanceID, st.Index, st.Name, string(st.Type), string(st.Status), st.AssigneeRole,
		encoded, st.TimeoutHours, st.Deadline, st.ResolvedBy, st.Error, st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("save step %d: %w", st.ID, err)
	}
	return nil
}

// GetStep retrieves a step execution.
func (s *PostgresStorage) GetStep(ctx context.Context, id uint64) (types.StepExecution, error) {
	st, err := scanStep(s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return st, fmt.Errorf("%w: step id=%d", ErrNotFound, id)
	}
	return st, err
}

// ListSteps returns an instance's steps in execution order.
func (s *PostgresStorage) ListSteps(ctx context.Context, instanceID uint64) ([]types.StepExecution, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE instance_id = $1 ORDER BY step_index`, instanceID)
}

// ListExpiredSteps returns pending steps past their deadline, oldest deadline first.
func (s *PostgresStorage) ListExpiredSteps(ctx context.Context, now time.Time, limit int) ([]types.StepExecution, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps
		WHERE status = 'pending' AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
}

// PurgeInstances removes finished instances. Steps go with them by cascade.
func (s *PostgresStorage) PurgeInstances(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_instances
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendAudit records an audit event.
func (s *PostgresStorage) AppendAudit(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode audit %s: %w", e.ID, err)
	}
	if e.Data == nil {
		data = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, type, actor_id, subject_id, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Type, e.ActorID, e.SubjectID, data, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.ID, err)
	}
	return nil
}
