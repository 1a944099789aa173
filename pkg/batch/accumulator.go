package batch

import (
	"context"
	"time"

	"github.com/claimbot/claimbot/pkg/common/models"
)

// Acknowledger settles one inbound message. Exactly one of its methods is called per delivery.
type Acknowledger interface {
	// Ack removes the message. success=false drops it without redelivery.
	Ack(ctx context.Context, success bool) error
	// Nack asks the transport to redeliver.
	Nack(ctx context.Context, cause error) error
}

type Job struct {
	Donation models.Donation
	Ack      Acknowledger
	Received time.Time
}

// Size picks the flush threshold: the configured maximum, or the queue depth when that is
// known and smaller, never below one.
func Size(max int, depth int64, depthKnown bool) int {
	if max < 1 {
		max = 1
	}
	if !depthKnown || depth >= int64(max) {
		return max
	}
	if depth < 1 {
		return 1
	}
	return int(depth)
}

// Accumulator buffers jobs until a flush condition holds. It is not safe for concurrent use.
type Accumulator struct {
	size       int
	flushAfter time.Duration
	jobs       []Job
}

// NewAccumulator flushes at size jobs, or once the oldest job is flushAfter old when flushAfter > 0.
func NewAccumulator(size int, flushAfter time.Duration) *Accumulator {
	if size < 1 {
		size = 1
	}
	return &Accumulator{size: size, flushAfter: flushAfter}
}

func (a *Accumulator) Add(job Job) {
	a.jobs = append(a.jobs, job)
}

func (a *Accumulator) Len() int {
	return len(a.jobs)
}

func (a *Accumulator) Size() int {
	return a.size
}

func (a *Accumulator) ShouldFlush(now time.Time) bool {
	if len(a.jobs) == 0 {
		return false
	}
	if len(a.jobs) >= a.size {
		return true
	}
	return a.flushAfter > 0 && now.Sub(a.jobs[0].Received) >= a.flushAfter
}

// Flush hands over the buffered jobs and empties the buffer.
func (a *Accumulator) Flush() []Job {
	jobs := a.jobs
	a.jobs = nil
	return jobs
}
