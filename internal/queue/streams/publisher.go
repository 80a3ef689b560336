package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends envelopes to a Redis stream.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a Publisher instance.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

const streamMaxLenApprox = 10000

// Publish wraps the payload in an envelope and appends it to the stream.
// The stream is capped approximately; old entries are only nudges that have
// long since been superseded by polling.
func (p *Publisher) Publish(ctx context.Context, stream, eventType string, payload interface{}) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLenApprox,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
