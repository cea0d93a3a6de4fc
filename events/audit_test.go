package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memoryAppender struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (a *memoryAppender) AppendAudit(_ context.Context, event Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

func (a *memoryAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestAuditSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memoryAppender{}
	eb := NewBus(WithLogger(logger))
	eb.Subscribe(Wildcard, NewAuditSink(store, logger))

	ctx := context.Background()
	for _, typ := range []string{TaskEscalated, WorkflowCreated, ApprovalResolved} {
		if err := eb.Publish(ctx, NewEvent(typ, 7, 1, nil)); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}
	eb.Stop()

	if got := store.count(); got != 3 {
		t.Fatalf("expected 3 audit rows, got %d", got)
	}
	if store.events[0].Type != TaskEscalated {
		t.Errorf("expected first row %s, got %s", TaskEscalated, store.events[0].Type)
	}
}

func TestAuditSink_StoreError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memoryAppender{err: errors.New("disk full")}
	reported := make(chan error, 1)
	eb := NewBus(WithErrorHandler(func(_ Event, err error) { reported <- err }))
	eb.Subscribe(Wildcard, NewAuditSink(store, logger))

	if err := eb.Publish(context.Background(), NewEvent(WorkflowToggled, 1, 2, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-reported:
		if err == nil || !errors.Is(err, store.err) {
			t.Errorf("expected wrapped store error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store error was not reported")
	}
	eb.Stop()
}
