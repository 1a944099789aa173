package batch

import (
	"testing"
	"time"

	"github.com/claimbot/claimbot/pkg/common/models"
)

func job(id, org string, received time.Time) Job {
	return Job{Donation: models.Donation{ID: id, OrgHMRCRef: org}, Received: received}
}

func TestSize(t *testing.T) {
	cases := []struct {
		max   int
		depth int64
		known bool
		want  int
	}{
		{max: 1000, want: 1000},
		{max: 1000, depth: 5, known: true, want: 5},
		{max: 10, depth: 50, known: true, want: 10},
		{max: 10, depth: 0, known: true, want: 1},
		{max: 0, want: 1},
	}
	for _, tc := range cases {
		if got := Size(tc.max, tc.depth, tc.known); got != tc.want {
			t.Fatalf("Size(%d, %d, %v) = %d, want %d", tc.max, tc.depth, tc.known, got, tc.want)
		}
	}
}

func TestAccumulatorCountFlush(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(2, 0)

	if acc.ShouldFlush(now) {
		t.Fatal("empty accumulator must not flush")
	}
	acc.Add(job("a", "ORG1", now))
	if acc.ShouldFlush(now.Add(time.Hour)) {
		t.Fatal("expected no time based flush when disabled")
	}
	acc.Add(job("b", "ORG1", now))
	if !acc.ShouldFlush(now) {
		t.Fatal("expected flush at threshold")
	}

	jobs := acc.Flush()
	if len(jobs) != 2 || acc.Len() != 0 {
		t.Fatalf("expected 2 flushed jobs and empty buffer, got %d and %d", len(jobs), acc.Len())
	}
}

func TestAccumulatorIdleFlush(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(100, 5*time.Second)
	acc.Add(job("a", "ORG1", now))

	if acc.ShouldFlush(now.Add(4 * time.Second)) {
		t.Fatal("expected no flush before idle window")
	}
	if !acc.ShouldFlush(now.Add(5 * time.Second)) {
		t.Fatal("expected flush once oldest job is old enough")
	}
}

func TestGroupByOrg(t *testing.T) {
	now := time.Now()
	groups := GroupByOrg([]Job{
		job("a", "ORG1", now),
		job("b", "ORG2", now),
		job("c", "ORG1", now),
	})

	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].OrgRef != "ORG1" || len(groups[0].Jobs) != 2 {
		t.Fatalf("unexpected first group %+v", groups[0])
	}
	if groups[1].OrgRef != "ORG2" || groups[1].Jobs[0].Donation.ID != "b" {
		t.Fatalf("unexpected second group %+v", groups[1])
	}
}
