package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	panic string
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	if n.panic != "" && note.Template == n.panic {
		panic("template renderer crashed")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

// brokenStore fails every definition lookup by trigger.
type brokenStore struct {
	*storage.MemoryStorage
}

func (brokenStore) ListActiveDefinitions(context.Context, string) ([]types.WorkflowDefinition, error) {
	return nil, errors.New("connection refused")
}

// resolvingStore resolves the first pending approval from another goroutine
// as soon as it is stored, the way a fast approver or the sweeper would.
type resolvingStore struct {
	*storage.MemoryStorage
	engine *Engine
	once   sync.Once
	done   chan error
}

func (s *resolvingStore) SaveStep(ctx context.Context, step types.StepExecution) error {
	if err := s.MemoryStorage.SaveStep(ctx, step); err != nil {
		return err
	}
	if step.Status != types.StepPending {
		return nil
	}
	s.once.Do(func() {
		go func() {
			_, err := s.engine.ResolveApproval(context.Background(), step.ID, true, 9)
			s.done <- err
		}()
		// Give the resolver a chance to run before the trigger continues.
		select {
		case err := <-s.done:
			s.done <- err
		case <-time.After(50 * time.Millisecond):
		}
	})
	return nil
}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStorage
	clock    *testClock
	pub      *recordingPublisher
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStorage(),
		clock:    &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)},
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
	}
	engine, err := NewEngine(&MockGenerator{}, f.store, nil,
		WithNotifier(f.notifier),
		WithPublisher(f.pub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(f.clock.Now),
	)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) define(t *testing.T, name, body string) types.WorkflowDefinition {
	t.Helper()
	def, err := f.engine.CreateDefinition(context.Background(), DefinitionInput{Name: name, Body: json.RawMessage(body)}, 1)
	require.NoError(t, err)
	return def
}

const (
	bigInvoiceBody = `{
		"trigger": "invoice.created",
		"conditions": [{"field": "total_amount", "operator": ">", "value": 50000}],
		"steps": [{"name": "tell finance", "type": "notification", "template": "big_invoice", "recipients": ["finance@hotel.example"]}]
	}`
	approvalBody = `{
		"trigger": "purchase_order.created",
		"conditions": [],
		"steps": [
			{"name": "gm sign-off", "type": "approval", "assignee_role": "manager", "timeout_hours": 2},
			{"name": "tell purchasing", "type": "notification", "template": "po_approved", "recipients": ["purchasing"]}
		]
	}`
)

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, nil, nil)
	assert.Error(t, err)

	e, err := NewEngine(&MockGenerator{}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, e.store)
	assert.NotNil(t, e.evaluator)
	assert.NotNil(t, e.notifier)
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("NoDefinitions", func(t *testing.T) {
		f := newFixture(t)
		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 1}`))
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("ConditionThreshold", func(t *testing.T) {
		f := newFixture(t)
		def := f.define(t, "big invoices", bigInvoiceBody)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 60000}`))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, def.ID, results[0].DefinitionID)
		assert.Equal(t, types.InstanceCompleted, results[0].Status)

		results, err = f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 10000}`))
		require.NoError(t, err)
		assert.Empty(t, results)

		insts, _ := f.store.ListInstances(ctx, def.ID, 0)
		assert.Len(t, insts, 1)
	})

	t.Run("MissingFieldDoesNotMatch", func(t *testing.T) {
		f := newFixture(t)
		f.define(t, "big invoices", bigInvoiceBody)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"amount": 60000}`))
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("InactiveDefinitionIgnored", func(t *testing.T) {
		f := newFixture(t)
		def := f.define(t, "big invoices", bigInvoiceBody)
		_, err := f.engine.ToggleDefinition(ctx, def.ID, 1)
		require.NoError(t, err)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 60000}`))
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("NotificationStep", func(t *testing.T) {
		f := newFixture(t)
		f.define(t, "big invoices", bigInvoiceBody)
		payload := `{"total_amount": 75000, "vendor": "Metro Linen"}`

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(payload))
		require.NoError(t, err)
		require.Len(t, results, 1)
		res := results[0]
		assert.Equal(t, types.InstanceCompleted, res.Status)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, types.StepCompleted, res.Steps[0].Status)
		assert.Equal(t, []string{"finance@hotel.example"}, res.Steps[0].Recipients)

		require.Len(t, f.notifier.sent, 1)
		assert.Equal(t, "big_invoice", f.notifier.sent[0].Template)

		inst, err := f.store.GetInstance(ctx, res.InstanceID)
		require.NoError(t, err)
		assert.JSONEq(t, payload, string(inst.TriggerPayload))
		assert.Equal(t, f.clock.Now(), inst.StartedAt)
		assert.NotNil(t, inst.CompletedAt)
		assert.Contains(t, f.pub.types(), events.InstanceFinished)
	})

	t.Run("NotificationErrorStillCompletes", func(t *testing.T) {
		f := newFixture(t)
		f.notifier.err = errors.New("smtp down")
		f.define(t, "big invoices", bigInvoiceBody)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 75000}`))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, types.InstanceCompleted, results[0].Status)
	})

	t.Run("UnsupportedStepStopsInstance", func(t *testing.T) {
		f := newFixture(t)
		f.define(t, "fax it", `{
			"trigger": "invoice.created",
			"conditions": [],
			"steps": [
				{"name": "send fax", "type": "fax"},
				{"name": "n1", "type": "notification", "template": "t", "recipients": ["a"]},
				{"name": "n2", "type": "notification", "template": "t", "recipients": ["b"]}
			]
		}`)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.Len(t, results, 1)
		res := results[0]
		assert.Equal(t, types.InstanceFailed, res.Status)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, types.StepFailed, res.Steps[0].Status)
		assert.Contains(t, res.Steps[0].Error, types.ErrUnsupportedStepType.Error())
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("SiblingIsolation", func(t *testing.T) {
		f := newFixture(t)
		f.notifier.panic = "explode"
		f.define(t, "crashes", `{
			"trigger": "invoice.created",
			"conditions": [],
			"steps": [{"name": "boom", "type": "notification", "template": "explode", "recipients": ["x"]}]
		}`)
		f.define(t, "rejects payload", `{
			"trigger": "invoice.created",
			"conditions": [{"field": "total_amount", "operator": ">", "value": 1}],
			"steps": [{"name": "n", "type": "notification", "template": "t", "recipients": ["x"]}]
		}`)
		healthy := f.define(t, "healthy", `{
			"trigger": "invoice.created",
			"conditions": [],
			"steps": [{"name": "n", "type": "notification", "template": "ok", "recipients": ["x"]}]
		}`)

		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": "lots"}`))
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, types.InstanceFailed, results[0].Status)
		assert.Contains(t, results[0].Error, "panic")
		assert.Equal(t, healthy.ID, results[1].DefinitionID)
		assert.Equal(t, types.InstanceCompleted, results[1].Status)
	})

	t.Run("LoadFailurePropagates", func(t *testing.T) {
		engine, err := NewEngine(&MockGenerator{}, brokenStore{storage.NewMemoryStorage()}, nil,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)

		_, err = engine.Trigger(ctx, "invoice.created", json.RawMessage(`{}`))
		assert.Error(t, err)
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		f := newFixture(t)
		for _, payload := range []string{`[1, 2]`, `"text"`, `{"broken"`} {
			_, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(payload))
			assert.ErrorIs(t, err, ErrInvalidPayload, payload)
		}

		results, err := f.engine.Trigger(ctx, "invoice.created", nil)
		assert.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestApprovals(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, f *fixture) types.InstanceResult {
		t.Helper()
		f.define(t, "po sign-off", approvalBody)
		results, err := f.engine.Trigger(ctx, "purchase_order.created", json.RawMessage(`{"po": 17}`))
		require.NoError(t, err)
		require.Len(t, results, 1)
		return results[0]
	}

	t.Run("BlocksUntilResolved", func(t *testing.T) {
		f := newFixture(t)
		res := start(t, f)

		assert.Equal(t, types.InstanceRunning, res.Status)
		require.Len(t, res.Steps, 1)
		step := res.Steps[0]
		assert.Equal(t, types.StepPending, step.Status)
		assert.Equal(t, "manager", step.AssigneeRole)
		require.NotNil(t, step.Deadline)
		assert.Equal(t, f.clock.Now().Add(2*time.Hour), *step.Deadline)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("ResolvedWhileTriggering", func(t *testing.T) {
		f := newFixture(t)
		f.define(t, "po sign-off", approvalBody)
		store := &resolvingStore{MemoryStorage: f.store, done: make(chan error, 1)}
		engine, err := NewEngine(&MockGenerator{id: 100}, store, nil,
			WithNotifier(f.notifier),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			WithClock(f.clock.Now),
		)
		require.NoError(t, err)
		store.engine = engine

		results, err := engine.Trigger(ctx, "purchase_order.created", json.RawMessage(`{"po": 18}`))
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NoError(t, <-store.done)

		detail, err := engine.GetInstance(ctx, results[0].InstanceID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceCompleted, detail.Instance.Status)
		assert.Equal(t, 1, detail.Instance.CurrentStep)
		require.Len(t, detail.Steps, 2)
		assert.Equal(t, types.StepCompleted, detail.Steps[0].Status)
		assert.Equal(t, types.StepCompleted, detail.Steps[1].Status)
	})

	t.Run("ApproveResumes", func(t *testing.T) {
		f := newFixture(t)
		res := start(t, f)
		f.clock.Advance(time.Hour)

		out, err := f.engine.ResolveApproval(ctx, res.Steps[0].ID, true, 42)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceCompleted, out.Status)
		require.Len(t, out.Steps, 2)
		assert.Equal(t, types.StepCompleted, out.Steps[0].Status)
		assert.Equal(t, uint64(42), *out.Steps[0].ResolvedBy)
		assert.Equal(t, types.StepCompleted, out.Steps[1].Status)
		require.Len(t, f.notifier.sent, 1)
		assert.Contains(t, f.pub.types(), events.ApprovalResolved)

		_, err = f.engine.ResolveApproval(ctx, res.Steps[0].ID, true, 42)
		assert.ErrorIs(t, err, ErrStepNotPending)
	})

	t.Run("RejectFails", func(t *testing.T) {
		f := newFixture(t)
		res := start(t, f)

		out, err := f.engine.ResolveApproval(ctx, res.Steps[0].ID, false, 42)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceFailed, out.Status)
		require.Len(t, out.Steps, 1)
		assert.Equal(t, types.StepFailed, out.Steps[0].Status)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("LazyTimeoutOnInspection", func(t *testing.T) {
		f := newFixture(t)
		res := start(t, f)

		detail, err := f.engine.GetInstance(ctx, res.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, detail.Instance.Status)

		f.clock.Advance(2 * time.Hour)
		detail, err = f.engine.GetInstance(ctx, res.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceFailed, detail.Instance.Status)
		require.Len(t, detail.Steps, 1)
		assert.Equal(t, types.StepTimedOut, detail.Steps[0].Status)

		_, err = f.engine.GetInstance(ctx, 9999)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ResolveAfterDeadline", func(t *testing.T) {
		f := newFixture(t)
		res := start(t, f)
		f.clock.Advance(3 * time.Hour)

		out, err := f.engine.ResolveApproval(ctx, res.Steps[0].ID, true, 42)
		assert.ErrorIs(t, err, ErrApprovalExpired)
		assert.Equal(t, types.InstanceFailed, out.Status)
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("ResolveErrors", func(t *testing.T) {
		f := newFixture(t)
		f.define(t, "big invoices", bigInvoiceBody)
		results, err := f.engine.Trigger(ctx, "invoice.created", json.RawMessage(`{"total_amount": 60001}`))
		require.NoError(t, err)

		_, err = f.engine.ResolveApproval(ctx, results[0].Steps[0].ID, true, 1)
		assert.ErrorIs(t, err, ErrNotApprovalStep)

		_, err = f.engine.ResolveApproval(ctx, 9999, true, 1)
		assert.ErrorIs(t, err, ErrStepNotFound)
	})

	t.Run("SweepExpired", func(t *testing.T) {
		f := newFixture(t)
		first := start(t, f)
		f.clock.Advance(time.Hour)
		results, err := f.engine.Trigger(ctx, "purchase_order.created", json.RawMessage(`{"po": 18}`))
		require.NoError(t, err)
		second := results[0]

		n, err := f.engine.SweepExpired(ctx, f.clock.Now().Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		inst, _ := f.store.GetInstance(ctx, first.InstanceID)
		assert.Equal(t, types.InstanceFailed, inst.Status)
		inst, _ = f.store.GetInstance(ctx, second.InstanceID)
		assert.Equal(t, types.InstanceRunning, inst.Status)
		assert.Contains(t, f.pub.types(), events.ApprovalsTimedOut)

		n, err = f.engine.SweepExpired(ctx, f.clock.Now().Add(90*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDefinitions(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateRejectsMalformed", func(t *testing.T) {
		f := newFixture(t)
		for name, body := range map[string]string{
			"not json":         `trigger: invoice.created`,
			"array":            `[]`,
			"missing trigger":  `{"conditions": [], "steps": []}`,
			"unknown operator": `{"trigger": "x", "conditions": [{"field": "a", "operator": "~=", "value": 1}]}`,
			"approval no role": `{"trigger": "x", "steps": [{"type": "approval"}]}`,
		} {
			_, err := f.engine.CreateDefinition(ctx, DefinitionInput{Name: "bad", Body: json.RawMessage(body)}, 1)
			assert.ErrorIs(t, err, types.ErrMalformedDefinition, name)
		}
		_, err := f.engine.CreateDefinition(ctx, DefinitionInput{Name: " ", Body: json.RawMessage(bigInvoiceBody)}, 1)
		assert.ErrorIs(t, err, types.ErrMalformedDefinition)

		defs, err := f.engine.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Empty(t, defs)
		assert.Empty(t, f.pub.types())
	})

	t.Run("CreateReplaceToggle", func(t *testing.T) {
		f := newFixture(t)
		def := f.define(t, "big invoices", bigInvoiceBody)
		assert.True(t, def.Active)
		assert.Equal(t, uint64(1), def.CreatedBy)
		assert.Equal(t, "invoice.created", def.Body.Trigger)

		replaced, err := f.engine.ReplaceDefinition(ctx, def.ID, DefinitionInput{
			Name: "all invoices",
			Body: json.RawMessage(`{"trigger": "invoice.created", "steps": [{"type": "notification", "template": "t", "recipients": ["x"]}]}`),
		}, 2)
		require.NoError(t, err)
		assert.Equal(t, "all invoices", replaced.Name)
		assert.Empty(t, replaced.Body.Conditions)
		assert.Equal(t, def.CreatedAt, replaced.CreatedAt)

		_, err = f.engine.ReplaceDefinition(ctx, def.ID, DefinitionInput{Name: "x", Body: json.RawMessage(`{}`)}, 2)
		assert.ErrorIs(t, err, types.ErrMalformedDefinition)
		got, _ := f.engine.GetDefinition(ctx, def.ID)
		assert.Equal(t, "all invoices", got.Name)

		toggled, err := f.engine.ToggleDefinition(ctx, def.ID, 2)
		require.NoError(t, err)
		assert.False(t, toggled.Active)
		toggled, _ = f.engine.ToggleDefinition(ctx, def.ID, 2)
		assert.True(t, toggled.Active)

		_, err = f.engine.ToggleDefinition(ctx, 9999, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		_, err = f.engine.ReplaceDefinition(ctx, 9999, DefinitionInput{Name: "x", Body: json.RawMessage(bigInvoiceBody)}, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		assert.Equal(t, []string{
			events.WorkflowCreated, events.WorkflowReplaced, events.WorkflowToggled, events.WorkflowToggled,
		}, f.pub.types())
	})

	t.Run("TestDefinition", func(t *testing.T) {
		f := newFixture(t)
		def := f.define(t, "big invoices", bigInvoiceBody)
		f.define(t, "sibling", `{"trigger": "invoice.created", "steps": [{"type": "notification", "template": "sib", "recipients": ["x"]}]}`)
		_, err := f.engine.ToggleDefinition(ctx, def.ID, 1)
		require.NoError(t, err)

		out, err := f.engine.TestDefinition(ctx, def.ID, json.RawMessage(`{"total_amount": 90000}`), 5)
		require.NoError(t, err)
		assert.True(t, out.Matched)
		require.NotNil(t, out.Result)
		assert.Equal(t, types.InstanceCompleted, out.Result.Status)
		require.Len(t, f.notifier.sent, 1)
		assert.Equal(t, "big_invoice", f.notifier.sent[0].Template)

		inst, _ := f.store.GetInstance(ctx, out.Result.InstanceID)
		require.NotNil(t, inst.TriggeredBy)
		assert.Equal(t, uint64(5), *inst.TriggeredBy)

		out, err = f.engine.TestDefinition(ctx, def.ID, json.RawMessage(`{"total_amount": 5}`), 5)
		require.NoError(t, err)
		assert.False(t, out.Matched)
		assert.Nil(t, out.Result)

		_, err = f.engine.TestDefinition(ctx, 9999, nil, 5)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		assert.Contains(t, f.pub.types(), events.WorkflowTested)
	})
}

type stubLocker struct {
	held bool
	err  error
}

func (l stubLocker) Acquire(context.Context) (bool, error) { return l.held, l.err }

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewSweeper(newFixture(t).engine, "not a schedule", nil, quiet)
	assert.Error(t, err)

	f := newFixture(t)
	f.define(t, "po sign-off", approvalBody)
	_, err = f.engine.Trigger(ctx, "purchase_order.created", json.RawMessage(`{}`))
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	follower, err := NewSweeper(f.engine, "@every 1h", stubLocker{held: false}, quiet)
	require.NoError(t, err)
	n, err := follower.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	broken, err := NewSweeper(f.engine, "", stubLocker{err: errors.New("redis down")}, quiet)
	require.NoError(t, err)
	_, err = broken.RunOnce(ctx)
	assert.Error(t, err)

	leader, err := NewSweeper(f.engine, "@every 1h", stubLocker{held: true}, quiet)
	require.NoError(t, err)
	leader.Start()
	defer leader.Stop()
	n, err = leader.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
