package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Event is an outbound notification (run-started, heartbeat, run-completed).
// Delivery semantics belong to the backend; callers treat Publish as
// fire-and-forget and never block run coordination on it.
type Event struct {
	Topic      string         `json:"topic"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// LogPublisher writes events to the process log. Default backend for dev and
// for tests.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (p *LogPublisher) Publish(_ context.Context, topic string, payload map[string]any) error {
	b, err := json.Marshal(Event{Topic: topic, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	log.Printf("bus publish topic=%s event=%s", topic, string(b))
	return nil
}
