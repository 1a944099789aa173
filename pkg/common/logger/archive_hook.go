package logger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Archive streams raw GovTalk messages are grouped into.
const (
	StreamRequests  = "gift_aid_requests"
	StreamResponses = "gift_aid_responses"
)

const defaultArchiveBatchSize = 10

type ArchiveRecord struct {
	Stream        string
	Kind          string
	TransactionID string
	Time          time.Time
	Body          string
}

// ArchiveSink stores batches of raw GovTalk messages.
type ArchiveSink interface {
	Put(ctx context.Context, records []ArchiveRecord) error
}

// ArchiveHook buffers GovTalk entries and hands them to a sink in batches. Close must be
// called at shutdown so a partial batch is not lost.
type ArchiveHook struct {
	sink      ArchiveSink
	batchSize int
	timeout   time.Duration

	mu      sync.Mutex
	pending []ArchiveRecord
	closed  bool

	flushCh chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func NewArchiveHook(sink ArchiveSink, batchSize int) *ArchiveHook {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatchSize
	}
	h := &ArchiveHook{
		sink:      sink,
		batchSize: batchSize,
		timeout:   30 * time.Second,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *ArchiveHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire runs with the logger's hook lock held, so it must never log.
func (h *ArchiveHook) Fire(entry *logrus.Entry) error {
	kind, ok := entry.Data[FieldGiftAidMessage].(string)
	if !ok {
		return nil
	}

	record := ArchiveRecord{
		Stream: streamFor(kind),
		Kind:   kind,
		Time:   entry.Time,
		Body:   entry.Message,
	}
	if id, ok := entry.Data[FieldTransactionID].(string); ok {
		record.TransactionID = id
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.pending = append(h.pending, record)
	full := len(h.pending) >= h.batchSize
	h.mu.Unlock()

	if full {
		select {
		case h.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (h *ArchiveHook) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.flushCh:
			h.flush()
		case <-h.done:
			return
		}
	}
}

func (h *ArchiveHook) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.sink.Put(ctx, batch); err != nil {
		Log.WithError(err).WithField("records", len(batch)).Error("Failed to archive GovTalk messages")
	}
}

// Close stops the background flusher and sends whatever is still buffered.
func (h *ArchiveHook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	<-h.stopped
	h.flush()
}

func streamFor(kind string) string {
	switch kind {
	case GiftAidResponse, GiftAidPollResponse:
		return StreamResponses
	default:
		return StreamRequests
	}
}
