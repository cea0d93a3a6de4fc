package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kapstong/integ-capstone-sub005/internal/kafka"
)

// Notification is what a notification step sends.
type Notification struct {
	InstanceID     uint64          `json:"instance_id"`
	StepID         uint64          `json:"step_id"`
	DefinitionID   uint64          `json:"workflow_id"`
	DefinitionName string          `json:"workflow_name"`
	Template       string          `json:"template"`
	Recipients     []string        `json:"recipients"`
	Payload        json.RawMessage `json:"payload"`
}

// Notifier delivers notifications. Delivery is fire-and-forget, so errors
// are logged by the engine and never fail a step.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements the Notifier interface.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements the Notifier interface.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info("notification",
		slog.Uint64("instance_id", note.InstanceID),
		slog.String("template", note.Template),
		slog.Any("recipients", note.Recipients),
	)
	return nil
}

// ProducerNotifier publishes notifications to a Kafka topic for the mail
// and in-app delivery services.
type ProducerNotifier struct {
	producer kafka.Producer
	topic    string
}

// NewProducerNotifier creates a notifier writing to topic.
func NewProducerNotifier(p kafka.Producer, topic string) *ProducerNotifier {
	return &ProducerNotifier{producer: p, topic: topic}
}

// Notify implements the Notifier interface.
func (n *ProducerNotifier) Notify(ctx context.Context, note Notification) error {
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification for step %d: %w", note.StepID, err)
	}
	return n.producer.Publish(ctx, n.topic, strconv.FormatUint(note.InstanceID, 10), value)
}
