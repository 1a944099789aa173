// Package worker drives the consume loop: receive donations, buffer them, and hand each
// flushed batch to the reconciler.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/claimbot/claimbot/pkg/batch"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/observability/metrics"
)

var errShutdown = errors.New("consumer shutting down before flush")

// Source is an inbound transport.
type Source interface {
	// Receive blocks for a bounded time and returns at most max jobs, possibly none.
	Receive(ctx context.Context, max int) ([]batch.Job, error)
	// Depth reports pending messages when the transport can count them.
	Depth(ctx context.Context) (int64, bool)
}

type Processor interface {
	Process(ctx context.Context, jobs []batch.Job)
}

type Runner struct {
	source       Source
	processor    Processor
	maxBatchSize int
	flushAfter   time.Duration
	errBackoff   time.Duration
	now          func() time.Time
}

func NewRunner(source Source, processor Processor, maxBatchSize int, flushAfter time.Duration) *Runner {
	return &Runner{
		source:       source,
		processor:    processor,
		maxBatchSize: maxBatchSize,
		flushAfter:   flushAfter,
		errBackoff:   time.Second,
		now:          time.Now,
	}
}

// Run consumes until ctx is cancelled. A flush in progress always completes; anything still
// buffered at shutdown is nacked so the transport redelivers it.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.Component("worker")

	depth, known := r.source.Depth(ctx)
	acc := batch.NewAccumulator(batch.Size(r.maxBatchSize, depth, known), r.flushAfter)
	log.WithFields(map[string]interface{}{
		"batch_size":  acc.Size(),
		"queue_depth": depth,
		"depth_known": known,
	}).Info("Consumer started")

	for {
		if ctx.Err() != nil {
			r.release(acc)
			return nil
		}

		jobs, err := r.source.Receive(ctx, acc.Size()-acc.Len())
		if err != nil {
			if ctx.Err() != nil {
				r.release(acc)
				return nil
			}
			log.WithError(err).Warn("Receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(r.errBackoff):
			}
			continue
		}

		for _, job := range jobs {
			acc.Add(job)
		}
		metrics.SetBuffered(acc.Len())

		if acc.ShouldFlush(r.now()) {
			flushed := acc.Flush()
			metrics.SetBuffered(0)
			log.WithField("jobs", len(flushed)).Info("Flushing batch")
			r.processor.Process(context.WithoutCancel(ctx), flushed)
		}
	}
}

func (r *Runner) release(acc *batch.Accumulator) {
	jobs := acc.Flush()
	metrics.SetBuffered(0)
	if len(jobs) == 0 {
		return
	}

	log := logger.Component("worker")
	log.WithField("jobs", len(jobs)).Info("Returning buffered donations to the queue")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range jobs {
		if err := job.Ack.Nack(ctx, errShutdown); err != nil {
			metrics.IncAckFailure()
			log.WithError(err).WithField("donation_id", job.Donation.ID).Error("Nack on shutdown failed")
		}
	}
}
