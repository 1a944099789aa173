// Package queue carries donation messages over Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/claimbot/claimbot/pkg/batch"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Stream entry fields.
const (
	FieldBody         = "body"
	FieldRedeliveries = "redeliveries"
	FieldLastError    = "last_error"
)

type StreamConfig struct {
	Stream string
	Group  string
	// Consumer must stay the same across restarts so the instance can take back its own
	// pending entries. Defaults to the hostname.
	Consumer        string
	Block           time.Duration
	MaxRedeliveries int
	// ReclaimIdle is how long a pending entry must sit unacknowledged before another consumer takes it over.
	ReclaimIdle time.Duration
}

// StreamSource reads donations from a Redis stream through a consumer group.
type StreamSource struct {
	client *redis.Client
	cfg    StreamConfig
	log    *logrus.Entry
	now    func() time.Time

	mu          sync.Mutex
	reclaimed   []redis.XMessage
	inFlight    map[string]struct{}
	lastReclaim time.Time
}

func NewStreamSource(client *redis.Client, cfg StreamConfig) *StreamSource {
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "claimbot"
		}
		cfg.Consumer = host
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	return &StreamSource{
		client:   client,
		cfg:      cfg,
		log:      logger.Component("redis_stream").WithField("stream", cfg.Stream),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// FailedStream receives messages that exhausted their redeliveries or could not be decoded.
func (s *StreamSource) FailedStream() string {
	return s.cfg.Stream + ".failed"
}

// Setup creates the consumer group, then queues this consumer's own pending entries and any
// entries stranded by other consumers for redelivery.
func (s *StreamSource) Setup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.cfg.Group, err)
	}

	if err := s.recoverOwn(ctx); err != nil {
		return err
	}
	s.reclaim(ctx)
	return nil
}

// recoverOwn re-reads entries delivered to this consumer name but never settled, as left by
// a previous run that stopped mid-flush.
func (s *StreamSource) recoverOwn(ctx context.Context) error {
	start := "0"
	for {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, start},
			Count:    100,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pending entries of %s: %w", s.cfg.Consumer, err)
		}

		var msgs []redis.XMessage
		for _, stream := range streams {
			msgs = append(msgs, stream.Messages...)
		}
		if len(msgs) == 0 {
			return nil
		}
		added := s.queueReclaimed(msgs)
		if added > 0 {
			s.log.WithField("entries", added).Info("Recovered own pending entries")
		}
		start = msgs[len(msgs)-1].ID
	}
}

// reclaim takes over entries idle for longer than ReclaimIdle. Failures are logged only.
func (s *StreamSource) reclaim(ctx context.Context) {
	s.mu.Lock()
	s.lastReclaim = s.now()
	s.mu.Unlock()

	start := "0-0"
	added := 0
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ReclaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			s.log.WithError(err).Warn("Could not reclaim pending entries")
			return
		}
		added += s.queueReclaimed(msgs)
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}

	if added > 0 {
		s.log.WithField("entries", added).Info("Reclaimed pending entries")
	}
}

// queueReclaimed buffers entries that are not already buffered or handed out.
func (s *StreamSource) queueReclaimed(msgs []redis.XMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make(map[string]struct{}, len(s.reclaimed))
	for _, msg := range s.reclaimed {
		queued[msg.ID] = struct{}{}
	}
	added := 0
	for _, msg := range msgs {
		if _, ok := s.inFlight[msg.ID]; ok {
			continue
		}
		if _, ok := queued[msg.ID]; ok {
			continue
		}
		queued[msg.ID] = struct{}{}
		s.reclaimed = append(s.reclaimed, msg)
		added++
	}
	return added
}

func (s *StreamSource) settled(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// Depth is the number of entries still in the stream. Settled entries are deleted, so this
// approximates the backlog.
func (s *StreamSource) Depth(ctx context.Context) (int64, bool) {
	n, err := s.client.XLen(ctx, s.cfg.Stream).Result()
	if err != nil {
		s.log.WithError(err).Warn("Could not read stream length")
		return 0, false
	}
	return n, true
}

// Receive returns up to max jobs. An empty result means nothing arrived before the block timeout.
// Stranded entries are reclaimed again once ReclaimIdle has passed since the last sweep.
func (s *StreamSource) Receive(ctx context.Context, max int) ([]batch.Job, error) {
	if max < 1 {
		max = 1
	}

	s.mu.Lock()
	due := len(s.reclaimed) == 0 && s.now().Sub(s.lastReclaim) >= s.cfg.ReclaimIdle
	s.mu.Unlock()
	if due {
		s.reclaim(ctx)
	}

	var msgs []redis.XMessage
	s.mu.Lock()
	if len(s.reclaimed) > 0 {
		n := min(max, len(s.reclaimed))
		msgs, s.reclaimed = s.reclaimed[:n], s.reclaimed[n:]
	}
	s.mu.Unlock()

	if len(msgs) == 0 {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    int64(max),
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read stream %s: %w", s.cfg.Stream, err)
		}
		for _, stream := range streams {
			msgs = append(msgs, stream.Messages...)
		}
	}

	jobs := make([]batch.Job, 0, len(msgs))
	now := time.Now()
	for _, msg := range msgs {
		ack := &streamAck{source: s, msg: msg}
		d, err := decode(msg)
		if err != nil {
			s.log.WithError(err).WithField("entry_id", msg.ID).Error("Undecodable donation message; moving to failed stream")
			if ferr := ack.moveToFailed(ctx, err); ferr != nil {
				s.log.WithError(ferr).WithField("entry_id", msg.ID).Error("Failed to move undecodable message")
			}
			continue
		}
		s.mu.Lock()
		s.inFlight[msg.ID] = struct{}{}
		s.mu.Unlock()
		s.log.WithField("donation_id", d.ID).Info("Received message for donation")
		jobs = append(jobs, batch.Job{Donation: d, Ack: ack, Received: now})
	}
	return jobs, nil
}

func decode(msg redis.XMessage) (models.Donation, error) {
	var d models.Donation
	raw, ok := msg.Values[FieldBody].(string)
	if !ok {
		return d, fmt.Errorf("entry %s has no %s field", msg.ID, FieldBody)
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("decode donation: %w", err)
	}
	return d, nil
}

type streamAck struct {
	source *StreamSource
	msg    redis.XMessage
}

func (a *streamAck) Ack(ctx context.Context, success bool) error {
	s := a.source
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, s.cfg.Stream, s.cfg.Group, a.msg.ID)
		pipe.XDel(ctx, s.cfg.Stream, a.msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", a.msg.ID, err)
	}
	s.settled(a.msg.ID)
	return nil
}

// Nack re-adds the entry with its redelivery count bumped, or parks it on the failed stream
// once the count passes MaxRedeliveries.
func (a *streamAck) Nack(ctx context.Context, cause error) error {
	redeliveries := 0
	if raw, ok := a.msg.Values[FieldRedeliveries].(string); ok {
		redeliveries, _ = strconv.Atoi(raw)
	}
	redeliveries++

	if redeliveries > a.source.cfg.MaxRedeliveries {
		a.source.log.WithField("entry_id", a.msg.ID).Warn("Redeliveries exhausted; moving to failed stream")
		return a.moveToFailed(ctx, cause)
	}
	return a.requeue(ctx, a.source.cfg.Stream, redeliveries, cause)
}

func (a *streamAck) moveToFailed(ctx context.Context, cause error) error {
	redeliveries := 0
	if raw, ok := a.msg.Values[FieldRedeliveries].(string); ok {
		redeliveries, _ = strconv.Atoi(raw)
	}
	return a.requeue(ctx, a.source.FailedStream(), redeliveries, cause)
}

func (a *streamAck) requeue(ctx context.Context, target string, redeliveries int, cause error) error {
	s := a.source
	values := map[string]interface{}{
		FieldBody:         a.msg.Values[FieldBody],
		FieldRedeliveries: strconv.Itoa(redeliveries),
	}
	if values[FieldBody] == nil {
		values[FieldBody] = ""
	}
	if cause != nil {
		values[FieldLastError] = cause.Error()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, s.cfg.Stream, s.cfg.Group, a.msg.ID)
		pipe.XDel(ctx, s.cfg.Stream, a.msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s to %s: %w", a.msg.ID, target, err)
	}
	s.settled(a.msg.ID)
	return nil
}
