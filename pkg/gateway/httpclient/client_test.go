package httpclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryIfStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryIf(context.Background(), 3, time.Millisecond, IsRetriable, func() error {
		calls++
		if calls < 2 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryIfGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &StatusError{StatusCode: http.StatusBadRequest}
	err := RetryIf(context.Background(), 5, time.Millisecond, IsRetriable, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(&StatusError{StatusCode: http.StatusBadGateway}) {
		t.Fatal("expected 502 to be retriable")
	}
	if IsRetriable(&StatusError{StatusCode: http.StatusForbidden}) {
		t.Fatal("expected 403 not to be retriable")
	}
	if !IsRetriable(context.DeadlineExceeded) {
		t.Fatal("expected deadline exceeded to be retriable")
	}
}
