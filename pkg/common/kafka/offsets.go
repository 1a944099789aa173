package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type trackedOffset struct {
	message kafka.Message
	settled bool
}

// offsetTracker releases offsets for commit only once every earlier offset fetched from the
// same partition is settled. Committing an offset acknowledges everything below it, and jobs
// settle in claim order rather than offset order.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey][]*trackedOffset
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey][]*trackedOffset)}
}

func (t *offsetTracker) fetched(message kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{topic: message.Topic, partition: message.Partition}
	t.partitions[key] = append(t.partitions[key], &trackedOffset{message: message})
}

// settle marks message done and returns the highest message of the settled prefix, if the
// prefix grew.
func (t *offsetTracker) settle(message kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{topic: message.Topic, partition: message.Partition}
	pending := t.partitions[key]
	for _, o := range pending {
		if o.message.Offset == message.Offset {
			o.settled = true
			break
		}
	}

	var last kafka.Message
	released := 0
	for released < len(pending) && pending[released].settled {
		last = pending[released].message
		released++
	}
	if released == 0 {
		return kafka.Message{}, false
	}
	t.partitions[key] = pending[released:]
	return last, true
}
