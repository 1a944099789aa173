package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWritePrometheusIncludesCounters(t *testing.T) {
	before := Read()
	ObserveClaim("success")
	ObserveClaim("poll_timeout")
	ObserveAck(true)
	ObserveNack()
	SetBuffered(7)

	after := Read()
	if after.ClaimsSuccess != before.ClaimsSuccess+1 {
		t.Fatalf("expected success counter to increase")
	}
	if after.ClaimsPollTimeout != before.ClaimsPollTimeout+1 {
		t.Fatalf("expected poll timeout counter to increase")
	}

	rec := httptest.NewRecorder()
	WritePrometheus(rec)
	body := rec.Body.String()

	if !strings.Contains(body, "claimbot_buffered_jobs 7") {
		t.Fatalf("expected buffered gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, `claimbot_claims_total{outcome="success"}`) {
		t.Fatalf("expected claims counter in output")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
