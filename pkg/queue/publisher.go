package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends result records to a Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, result models.DonationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			FieldBody:     string(payload),
			"donation_id": result.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish result for %s: %w", result.ID, err)
	}
	return nil
}
