package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/claimbot/claimbot/pkg/batch"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

const (
	headerRedeliveries = "redeliveries"
	headerLastError    = "last-error"

	drainWait = 20 * time.Millisecond
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads donation messages from a topic. Settled offsets are committed once every
// earlier offset of the partition is settled too; a nack republishes first so the redelivery
// survives the commit.
type Consumer struct {
	reader          messageReader
	writer          messageWriter
	offsets         *offsetTracker
	topic           string
	block           time.Duration
	maxRedeliveries int
}

func NewConsumer(brokers []string, topic, groupID string, block time.Duration, maxRedeliveries int) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	return &Consumer{
		reader:          reader,
		writer:          writer,
		offsets:         newOffsetTracker(),
		topic:           topic,
		block:           block,
		maxRedeliveries: maxRedeliveries,
	}
}

func (c *Consumer) FailedTopic() string {
	return c.topic + ".failed"
}

// Depth is unknown for Kafka consumer groups.
func (c *Consumer) Depth(context.Context) (int64, bool) {
	return 0, false
}

// Receive waits up to the block duration for a first message, then drains whatever arrives
// immediately after it, up to max.
func (c *Consumer) Receive(ctx context.Context, max int) ([]batch.Job, error) {
	var jobs []batch.Job
	wait := c.block
	for len(jobs) < max {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if wait > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, wait)
		}
		message, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return jobs, nil
			}
			if len(jobs) > 0 {
				return jobs, nil
			}
			return nil, fmt.Errorf("fetch message: %w", err)
		}

		c.offsets.fetched(message)
		ack := &commitAck{consumer: c, message: message}
		var d models.Donation
		if err := json.Unmarshal(message.Value, &d); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal donation")
			if perr := ack.republish(ctx, c.FailedTopic(), redeliveries(message), err); perr != nil {
				logger.Log.WithError(perr).Error("Failed to park undecodable message")
			}
			continue
		}

		logger.Log.WithField("donation_id", d.ID).Info("Received message for donation")
		jobs = append(jobs, batch.Job{Donation: d, Ack: ack, Received: time.Now()})
		wait = drainWait
	}
	return jobs, nil
}

func (c *Consumer) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}

type commitAck struct {
	consumer *Consumer
	message  kafka.Message
}

func (a *commitAck) Ack(ctx context.Context, success bool) error {
	return a.commit(ctx)
}

func (a *commitAck) Nack(ctx context.Context, cause error) error {
	count := redeliveries(a.message) + 1
	topic := a.consumer.topic
	if count > a.consumer.maxRedeliveries {
		topic = a.consumer.FailedTopic()
	}
	return a.republish(ctx, topic, count, cause)
}

func (a *commitAck) republish(ctx context.Context, topic string, count int, cause error) error {
	headers := []kafka.Header{{Key: headerRedeliveries, Value: []byte(strconv.Itoa(count))}}
	if cause != nil {
		headers = append(headers, kafka.Header{Key: headerLastError, Value: []byte(cause.Error())})
	}
	if err := a.consumer.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     a.message.Key,
		Value:   a.message.Value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("republish to %s: %w", topic, err)
	}
	return a.commit(ctx)
}

// commit settles the message and commits the partition's settled prefix, if it moved.
// A failed commit is covered by the next one on the same partition.
func (a *commitAck) commit(ctx context.Context) error {
	upTo, ok := a.consumer.offsets.settle(a.message)
	if !ok {
		return nil
	}
	if err := a.consumer.reader.CommitMessages(ctx, upTo); err != nil {
		return fmt.Errorf("commit offset %d: %w", upTo.Offset, err)
	}
	return nil
}

func redeliveries(message kafka.Message) int {
	for _, h := range message.Headers {
		if h.Key == headerRedeliveries {
			n, _ := strconv.Atoi(string(h.Value))
			return n
		}
	}
	return 0
}
