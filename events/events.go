package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed is returned after Stop.
	ErrBusClosed = errors.New("audit bus stopped")
	// ErrQueueFull means the bus is backed up and the event was dropped.
	ErrQueueFull = errors.New("audit queue full")
	// ErrNoHandler means nothing listens for the event type.
	ErrNoHandler = errors.New("no audit handler for event type")
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Audit event types published after successful mutating actions.
const (
	TaskEscalated     = "task.escalated"
	WorkflowCreated   = "workflow.created"
	WorkflowReplaced  = "workflow.replaced"
	WorkflowToggled   = "workflow.toggled"
	WorkflowTested    = "workflow.tested"
	InstanceFinished  = "workflow.instance_finished"
	ApprovalResolved  = "workflow.approval_resolved"
	ApprovalsTimedOut = "workflow.approvals_timed_out"
)

// Event is an audit record of something that happened in the portal.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	ActorID    uint64                 `json:"actor_id,omitempty"`
	SubjectID  uint64                 `json:"subject_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType string, actorID, subjectID uint64, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ActorID:    actorID,
		SubjectID:  subjectID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Handler consumes audit events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is the fire-and-forget side of the bus that services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus fans audit events out to handlers on a background goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	queue    chan Event
	onError  func(event Event, err error)
	stopped  bool
	stopMu   sync.RWMutex
	wg       sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.queue = make(chan Event, size)
	}
}

// WithErrorHandler receives every handler failure.
func WithErrorHandler(fn func(event Event, err error)) BusOption {
	return func(b *Bus) {
		b.onError = fn
	}
}

// WithLogger reports handler failures through logger.
func WithLogger(logger *slog.Logger) BusOption {
	return WithErrorHandler(func(event Event, err error) {
		logger.Error("audit handler failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	})
}

// NewBus starts a bus with a queue of 100 events.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, 100),
		onError:  logWithStack,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscribe registers h for eventType, or for every type with Wildcard.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// handlersFor returns the typed handlers followed by the wildcard ones.
func (b *Bus) handlersFor(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	typed := b.handlers[eventType]
	wild := b.handlers[Wildcard]
	out := make([]Handler, 0, len(typed)+len(wild))
	out = append(out, typed...)
	return append(out, wild...)
}

// Publish queues event without waiting for delivery.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		return ErrBusClosed
	}
	if len(b.handlersFor(event.Type)) == 0 {
		return ErrNoHandler
	}

	select {
	case b.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop delivers what is already queued, then returns.
func (b *Bus) Stop() {
	b.stopMu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.queue)
	}
	b.stopMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) loop() {
	defer b.wg.Done()

	for event := range b.queue {
		for _, err := range b.deliver(context.Background(), b.handlersFor(event.Type), event) {
			b.onError(event, err)
		}
	}
}

// deliver runs handlers concurrently and collects their failures.
func (b *Bus) deliver(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("audit handler panic: %v", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(h)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func logWithStack(event Event, err error) {
	slog.Default().Error("audit handler failed",
		slog.String("event_type", event.Type),
		slog.String("error", err.Error()),
		slog.String("stack", string(debug.Stack())),
	)
}

// Emit publishes event and reports, but never returns, a failure.
// Audit publication must not block or fail the primary action.
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil && !errors.Is(err, ErrNoHandler) {
		logger.Warn("audit event dropped",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	}
}
