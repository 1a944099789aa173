package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]ArchiveRecord
}

func (s *recordingSink) Put(_ context.Context, records []ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]ArchiveRecord(nil), records...))
	return nil
}

func (s *recordingSink) all() []ArchiveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ArchiveRecord
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&GovTalkFormatter{Inner: &logrus.JSONFormatter{}})
	return l
}

func TestGovTalkFormatterSummarisesMessages(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.WithFields(logrus.Fields{
		FieldGiftAidMessage: GiftAidRequest,
		FieldTransactionID:  "tx-1",
	}).Info("<GovTalkMessage>secret body</GovTalkMessage>")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["msg"] != "govtalk logged a request for transaction ID tx-1" {
		t.Fatalf("unexpected summary %q", line["msg"])
	}
	if bytes.Contains(buf.Bytes(), []byte("secret body")) {
		t.Fatal("expected raw XML to be kept off the main stream")
	}
}

func TestGovTalkFormatterPassesOrdinaryEntries(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.Info("Claim succeeded")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["msg"] != "Claim succeeded" {
		t.Fatalf("unexpected message %q", line["msg"])
	}
}

func TestArchiveHookFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	sink := &recordingSink{}
	hook := NewArchiveHook(sink, 10)
	l.AddHook(hook)

	l.WithFields(logrus.Fields{FieldGiftAidMessage: GiftAidRequest, FieldTransactionID: "tx-1"}).Info("<req/>")
	l.WithFields(logrus.Fields{FieldGiftAidMessage: GiftAidPollResponse, FieldTransactionID: "tx-1"}).Info("<resp/>")
	l.Info("not archived")

	hook.Close()

	records := sink.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 archived records, got %d", len(records))
	}
	if records[0].Stream != StreamRequests || records[0].Body != "<req/>" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].Stream != StreamResponses || records[1].TransactionID != "tx-1" {
		t.Fatalf("unexpected second record %+v", records[1])
	}
}

func TestArchiveHookFlushesFullBatches(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	sink := &recordingSink{}
	hook := NewArchiveHook(sink, 2)
	l.AddHook(hook)

	for i := 0; i < 5; i++ {
		l.WithField(FieldGiftAidMessage, GiftAidResponse).Info("<resp/>")
	}
	hook.Close()

	if got := len(sink.all()); got != 5 {
		t.Fatalf("expected 5 archived records, got %d", got)
	}

	// Entries after Close are dropped.
	l.WithField(FieldGiftAidMessage, GiftAidResponse).Info("<late/>")
	if got := len(sink.all()); got != 5 {
		t.Fatalf("expected no records after close, got %d", got)
	}
}
