package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	claimsSuccess     atomic.Int64
	claimsDataErrors  atomic.Int64
	claimsRejected    atomic.Int64
	claimsUnexpected  atomic.Int64
	claimsPollTimeout atomic.Int64
	pollsTotal        atomic.Int64

	donationsClaimed   atomic.Int64
	donationsFailed    atomic.Int64
	donationsNacked    atomic.Int64
	ackFailures        atomic.Int64
	publishFailures    atomic.Int64
	duplicateDonations atomic.Int64
	bufferedJobs       atomic.Int64
)

// ObserveClaim counts one resolved claim attempt by outcome kind.
func ObserveClaim(kind string) {
	switch kind {
	case "success":
		claimsSuccess.Add(1)
	case "data_errors":
		claimsDataErrors.Add(1)
	case "rejected":
		claimsRejected.Add(1)
	case "unexpected":
		claimsUnexpected.Add(1)
	case "poll_timeout":
		claimsPollTimeout.Add(1)
	}
}

func IncPoll() {
	pollsTotal.Add(1)
}

// ObserveAck counts a terminal ack; success=false means the donation was dropped without retry.
func ObserveAck(success bool) {
	if success {
		donationsClaimed.Add(1)
		return
	}
	donationsFailed.Add(1)
}

func ObserveNack() {
	donationsNacked.Add(1)
}

func IncAckFailure() {
	ackFailures.Add(1)
}

func IncPublishFailure() {
	publishFailures.Add(1)
}

func IncDuplicate() {
	duplicateDonations.Add(1)
}

func SetBuffered(n int) {
	bufferedJobs.Store(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ClaimsSuccess     int64
	ClaimsDataErrors  int64
	ClaimsRejected    int64
	ClaimsUnexpected  int64
	ClaimsPollTimeout int64
	Polls             int64
	DonationsClaimed  int64
	DonationsFailed   int64
	DonationsNacked   int64
	AckFailures       int64
	PublishFailures   int64
	Duplicates        int64
	Buffered          int64
}

func Read() Snapshot {
	return Snapshot{
		ClaimsSuccess:     claimsSuccess.Load(),
		ClaimsDataErrors:  claimsDataErrors.Load(),
		ClaimsRejected:    claimsRejected.Load(),
		ClaimsUnexpected:  claimsUnexpected.Load(),
		ClaimsPollTimeout: claimsPollTimeout.Load(),
		Polls:             pollsTotal.Load(),
		DonationsClaimed:  donationsClaimed.Load(),
		DonationsFailed:   donationsFailed.Load(),
		DonationsNacked:   donationsNacked.Load(),
		AckFailures:       ackFailures.Load(),
		PublishFailures:   publishFailures.Load(),
		Duplicates:        duplicateDonations.Load(),
		Buffered:          bufferedJobs.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP claimbot_claims_total Claim attempts resolved, by outcome.\n")
	fmt.Fprintf(w, "# TYPE claimbot_claims_total counter\n")
	fmt.Fprintf(w, "claimbot_claims_total{outcome=\"success\"} %d\n", claimsSuccess.Load())
	fmt.Fprintf(w, "claimbot_claims_total{outcome=\"data_errors\"} %d\n", claimsDataErrors.Load())
	fmt.Fprintf(w, "claimbot_claims_total{outcome=\"rejected\"} %d\n", claimsRejected.Load())
	fmt.Fprintf(w, "claimbot_claims_total{outcome=\"unexpected\"} %d\n", claimsUnexpected.Load())
	fmt.Fprintf(w, "claimbot_claims_total{outcome=\"poll_timeout\"} %d\n", claimsPollTimeout.Load())

	fmt.Fprintf(w, "# HELP claimbot_polls_total Poll requests sent to the claim endpoint.\n")
	fmt.Fprintf(w, "# TYPE claimbot_polls_total counter\n")
	fmt.Fprintf(w, "claimbot_polls_total %d\n", pollsTotal.Load())

	fmt.Fprintf(w, "# HELP claimbot_donations_total Donations settled on the inbound queue, by decision.\n")
	fmt.Fprintf(w, "# TYPE claimbot_donations_total counter\n")
	fmt.Fprintf(w, "claimbot_donations_total{decision=\"claimed\"} %d\n", donationsClaimed.Load())
	fmt.Fprintf(w, "claimbot_donations_total{decision=\"failed\"} %d\n", donationsFailed.Load())
	fmt.Fprintf(w, "claimbot_donations_total{decision=\"nacked\"} %d\n", donationsNacked.Load())

	fmt.Fprintf(w, "# HELP claimbot_ack_failures_total Acknowledgements the inbound transport refused.\n")
	fmt.Fprintf(w, "# TYPE claimbot_ack_failures_total counter\n")
	fmt.Fprintf(w, "claimbot_ack_failures_total %d\n", ackFailures.Load())

	fmt.Fprintf(w, "# HELP claimbot_publish_failures_total Result records that could not be published.\n")
	fmt.Fprintf(w, "# TYPE claimbot_publish_failures_total counter\n")
	fmt.Fprintf(w, "claimbot_publish_failures_total %d\n", publishFailures.Load())

	fmt.Fprintf(w, "# HELP claimbot_duplicate_donations_total Donation messages dropped as duplicates.\n")
	fmt.Fprintf(w, "# TYPE claimbot_duplicate_donations_total counter\n")
	fmt.Fprintf(w, "claimbot_duplicate_donations_total %d\n", duplicateDonations.Load())

	fmt.Fprintf(w, "# HELP claimbot_buffered_jobs Donation messages waiting for the next flush.\n")
	fmt.Fprintf(w, "# TYPE claimbot_buffered_jobs gauge\n")
	fmt.Fprintf(w, "claimbot_buffered_jobs %d\n", bufferedJobs.Load())
}
