package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapstong/integ-capstone-sub005/escalation"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/types"
	"github.com/kapstong/integ-capstone-sub005/workflow"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id atomic.Uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return g.id.Add(1) + 100, nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const invoiceWorkflow = `{
	"name": "Large invoice approval",
	"definition": {
		"trigger": "invoice.created",
		"conditions": [{"field": "total_amount", "operator": ">", "value": 50000}],
		"steps": [
			{"name": "Manager Approval", "type": "approval", "assignee_role": "manager", "timeout_hours": 48},
			{"name": "Notify Finance", "type": "notification", "template": "invoice_approved", "recipients": ["finance@hotel.test"]}
		]
	}
}`

type fixture struct {
	store  *storage.MemoryStorage
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.CreateTask(ctx, types.Task{
		ID:          1,
		Title:       "Spa refurbishment",
		Description: `{"amount": 90000}`,
		Priority:    types.PriorityMedium,
		Status:      types.TaskInProgress,
		Category:    types.CategoryBudget,
		AssignedTo:  7,
	}))
	require.NoError(t, store.SaveUser(ctx, types.User{ID: 3, Username: "mgr", Role: "manager", Active: true}))

	gen := &MockGenerator{}
	router, err := escalation.NewRouter(gen, store, escalation.WithLogger(quiet))
	require.NoError(t, err)
	engine, err := workflow.NewEngine(gen, store, nil, workflow.WithLogger(quiet))
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(router, engine, quiet).Routes())
	t.Cleanup(srv.Close)
	return &fixture{store: store, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, user uint64) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != 0 {
		req.Header.Set(UserIDHeader, fmt.Sprint(user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestEscalateTask(t *testing.T) {
	t.Run("SuccessThenConflict", func(t *testing.T) {
		f := newFixture(t)
		resp, body := f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 7)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(3), body["manager_id"])
		assert.Equal(t, escalation.TitleFor(1), body["title"])

		resp, body = f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 7)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "Task already escalated to manager", body["warning"])
		assert.NotZero(t, body["approval_task_id"])
	})

	t.Run("NotEligible", func(t *testing.T) {
		f := newFixture(t)
		resp, body := f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 8)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, body["error"], "not eligible")

		resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks/99/escalate", "", 7)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("NoManager", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SaveUser(context.Background(), types.User{ID: 3, Role: "manager", Active: false}))
		resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 7)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("BadRequests", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 0)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks/abc/escalate", "", 7)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Failure", func(t *testing.T) {
		h := NewHandler(stubEscalator{err: escalation.ErrEscalationFailed}, nil, quiet)
		srv := httptest.NewServer(h.Routes())
		defer srv.Close()
		f := &fixture{server: srv}
		resp, body := f.do(t, http.MethodPost, "/api/v1/tasks/1/escalate", "", 7)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "escalation failed, please retry", body["error"])
	})
}

type stubEscalator struct {
	err error
}

func (s stubEscalator) Escalate(_ context.Context, taskID, _ uint64) (escalation.Result, error) {
	return escalation.Result{TaskID: taskID}, s.err
}

func TestWorkflowDefinitions(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/workflows", `{"name":"x","definition":"not an object"}`, 1)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "malformed")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/workflows", invoiceWorkflow, 0)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/workflows", invoiceWorkflow, 1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["is_active"])
	id := uint64(body["id"].(float64))

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d", id), "", 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Large invoice approval", body["name"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/workflows/424242", "", 0)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/toggle", id), "", 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])

	replaced := strings.Replace(invoiceWorkflow, "Large invoice approval", "Invoice approval v2", 1)
	resp, body = f.do(t, http.MethodPut, fmt.Sprintf("/api/v1/workflows/%d", id), replaced, 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Invoice approval v2", body["name"])
	assert.Equal(t, false, body["is_active"])

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/test", id), `{"total_amount": 75000}`, 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["matched"])

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/test", id), `{"total_amount": 10}`, 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["matched"])

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/workflows/%d/instances", f.server.URL, id), nil)
	require.NoError(t, err)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var insts []types.WorkflowInstance
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&insts))
	assert.Len(t, insts, 1)

	resp, _ = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/instances?limit=-1", id), "", 0)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerAndApprove(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/workflows", invoiceWorkflow, 1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/events/invoice.created", `{"total_amount": 10000}`, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["instances"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/events/invoice.created", `[1,2]`, 0)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/events/invoice.created", strings.NewReader(`{"total_amount": 60000}`))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	var triggered TriggerResponse
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&triggered))
	require.Len(t, triggered.Instances, 1)
	inst := triggered.Instances[0]
	assert.Equal(t, types.InstanceRunning, inst.Status)
	require.Len(t, inst.Steps, 1)
	stepID := inst.Steps[0].ID

	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d", stepID), `{}`, 3)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/approvals/999999", `{"approved": true}`, 3)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d", stepID), `{"approved": true}`, 3)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.InstanceCompleted), body["status"])
	assert.Len(t, body["steps"], 2)

	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d", stepID), `{"approved": false}`, 3)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/instances/%d", inst.InstanceID), "", 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	instance := body["instance"].(map[string]interface{})
	assert.Equal(t, string(types.InstanceCompleted), instance["status"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/instances/31337", "", 0)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalExpired(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine, err := workflow.NewEngine(&MockGenerator{}, store, nil, workflow.WithLogger(quiet), workflow.WithClock(clock))
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(stubEscalator{}, engine, quiet).Routes())
	defer srv.Close()
	f := &fixture{store: store, server: srv}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/workflows", invoiceWorkflow, 1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	results, err := engine.Trigger(context.Background(), "invoice.created", json.RawMessage(`{"total_amount": 60000}`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	stepID := results[0].Steps[0].ID

	now = now.Add(49 * time.Hour)
	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d", stepID), `{"approved": true}`, 3)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "deadline")
	result := body["result"].(map[string]interface{})
	assert.Equal(t, string(types.InstanceFailed), result["status"])
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/workflows", "", 0)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	echoed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	echoed.Body.Close()
	assert.Equal(t, "req-42", echoed.Header.Get(RequestIDHeader))

}

func TestMaxBodySize(t *testing.T) {
	var readErr error
	h := MaxBodySize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	assert.NoError(t, readErr)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pad":"xxxxxxxx"}`)))
	assert.Error(t, readErr)
}
