package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes donation results to a Kafka topic.
type Producer struct {
	writer messageWriter
	topic  string
	source string
}

func NewProducer(brokers []string, topic, source string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer, topic: topic, source: source}
}

func (p *Producer) Publish(ctx context.Context, result models.DonationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	messageID := uuid.New().String()
	message := kafka.Message{
		Key:   []byte(result.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(messageID)},
			{Key: "source", Value: []byte(p.source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"donation_id": result.ID,
			"topic":       p.topic,
		}).Error("Failed to publish donation result")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"donation_id": result.ID,
		"message_id":  messageID,
		"topic":       p.topic,
	}).Info("Donation result published")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
