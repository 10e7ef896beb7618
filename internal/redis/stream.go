package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher fans committed records out to downstream consumers.
type Publisher interface {
	PublishJSON(ctx context.Context, data any) (string, error)
}

type streamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher appends JSON records to a capped Redis stream.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) Publisher {
	return &streamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (p *streamPublisher) PublishJSON(ctx context.Context, data any) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"data":      string(body),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}

	return id, nil
}
