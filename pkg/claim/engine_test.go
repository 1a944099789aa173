package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2021, 9, 13, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
	return nil
}

type submitCall struct {
	ids         []string
	org         models.ClaimingOrganisation
	claimToDate models.Date
}

type fakeGateway struct {
	submitResponses []*SubmitResponse
	submitErr       error
	pollResponses   []*PollResponse
	pollFallback    *PollResponse

	submits []submitCall
	polls   int
}

func (g *fakeGateway) Submit(_ context.Context, donations []models.Donation, org models.ClaimingOrganisation, claimToDate models.Date) (*SubmitResponse, error) {
	call := submitCall{org: org, claimToDate: claimToDate}
	for _, d := range donations {
		call.ids = append(call.ids, d.ID)
	}
	g.submits = append(g.submits, call)
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	resp := g.submitResponses[0]
	if len(g.submitResponses) > 1 {
		g.submitResponses = g.submitResponses[1:]
	}
	return resp, nil
}

func (g *fakeGateway) Poll(_ context.Context, correlationID, endpoint string) (*PollResponse, error) {
	g.polls++
	if len(g.pollResponses) == 0 {
		return g.pollFallback, nil
	}
	resp := g.pollResponses[0]
	g.pollResponses = g.pollResponses[1:]
	return resp, nil
}

func donation(id string, date models.Date) models.Donation {
	return models.Donation{
		ID:           id,
		DonationDate: date,
		FirstName:    "Mary",
		LastName:     "Moe",
		HouseNo:      "1a",
		Postcode:     "N1 1AA",
		Amount:       models.AmountOf(decimal.RequireFromString("123.45")),
		OrgName:      "Test Charity",
		OrgHMRCRef:   "AB12345",
	}
}

func twoDonations() models.Batch {
	return models.Batch{
		"idA": donation("idA", models.NewDate(2021, 9, 10)),
		"idB": donation("idB", models.NewDate(2021, 9, 12)),
	}
}

func newTestEngine(gw Gateway, clock *fakeClock) *Engine {
	return NewEngine(gw, DefaultPollTimeout, WithClock(clock.now, clock.sleep))
}

func TestClaimToDateIsLatestDonationDate(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{CorrelationID: "X"}},
		pollResponses:   []*PollResponse{{Qualifier: QualifierResponse}},
	}
	engine := newTestEngine(gw, newFakeClock())

	engine.Claim(context.Background(), twoDonations())

	if len(gw.submits) != 1 {
		t.Fatalf("expected one submission, got %d", len(gw.submits))
	}
	if got := gw.submits[0].claimToDate.String(); got != "2021-09-12" {
		t.Fatalf("expected claim to date 2021-09-12, got %s", got)
	}
	if gw.submits[0].org.HMRCRef != "AB12345" {
		t.Fatalf("unexpected org ref %q", gw.submits[0].org.HMRCRef)
	}
}

func TestClaimPendingThenResponse(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{CorrelationID: "X", PollInterval: 2 * time.Second}},
		pollResponses: []*PollResponse{
			{Qualifier: QualifierAcknowledgement},
			{Qualifier: QualifierResponse, ResponseMessage: "<SuccessResponse/>"},
		},
	}
	clock := newFakeClock()
	engine := newTestEngine(gw, clock)

	out := engine.Claim(context.Background(), twoDonations())

	if !out.Succeeded() {
		t.Fatalf("expected success, got %s: %v", out.Kind, out.Err)
	}
	if out.CorrelationID != "X" || engine.LastCorrelationID() != "X" {
		t.Fatalf("expected correlation id X, got %q", out.CorrelationID)
	}
	if engine.LastResponseMessage() != "<SuccessResponse/>" {
		t.Fatalf("unexpected response message %q", engine.LastResponseMessage())
	}
	if gw.polls != 2 {
		t.Fatalf("expected 2 polls, got %d", gw.polls)
	}
	if len(engine.RemainingValidDonations()) != 0 {
		t.Fatal("expected remaining donations to be cleared on success")
	}
	if clock.slept[0] != 2*time.Second {
		t.Fatalf("expected advertised poll interval to be used, got %s", clock.slept[0])
	}
}

func TestPollIntervalFlooredAtOneSecond(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{CorrelationID: "X", PollInterval: 10 * time.Millisecond}},
		pollResponses:   []*PollResponse{{Qualifier: QualifierResponse}},
	}
	clock := newFakeClock()
	engine := newTestEngine(gw, clock)

	engine.Claim(context.Background(), twoDonations())

	for _, d := range clock.slept {
		if d < time.Second {
			t.Fatalf("expected sleeps of at least 1s, got %s", d)
		}
	}
}

func TestPollForResponseTimesOut(t *testing.T) {
	gw := &fakeGateway{pollFallback: &PollResponse{Qualifier: "pending"}}
	clock := newFakeClock()
	engine := newTestEngine(gw, clock)
	started := clock.now()

	out := engine.PollForResponse(context.Background(), "X", "https://poll.example")

	if out.Kind != KindPollTimeout {
		t.Fatalf("expected poll timeout, got %s", out.Kind)
	}
	var timeoutErr *PollTimeoutError
	if !errors.As(out.Err, &timeoutErr) || timeoutErr.CorrelationID != "X" {
		t.Fatalf("expected PollTimeoutError for X, got %v", out.Err)
	}
	elapsed := clock.now().Sub(started)
	if elapsed < 45*time.Second || elapsed > 47*time.Second {
		t.Fatalf("expected roughly 45s of polling, got %s", elapsed)
	}
	if gw.polls < 40 {
		t.Fatalf("expected many polls inside the budget, got %d", gw.polls)
	}
	if IsClaimError(out.Err) {
		t.Fatal("poll timeout must not classify as a claim error")
	}
}

func TestPollCancelledContextIsTimeout(t *testing.T) {
	gw := &fakeGateway{pollFallback: &PollResponse{Qualifier: QualifierAcknowledgement}}
	engine := NewEngine(gw, DefaultPollTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := engine.PollForResponse(ctx, "X", "")

	if out.Kind != KindPollTimeout {
		t.Fatalf("expected poll timeout on cancelled context, got %s", out.Kind)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected wrapped context error, got %v", out.Err)
	}
}

func TestSubmitBusinessErrorsTaggedByDonation(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{
			Errors: &RawErrors{Business: []RawError{
				{DonationID: "idA", Message: "Invalid postcode", Text: "raw text", Location: "/GovTalkMessage[1]/Body[1]/IRenvelope[1]/R68[1]/Claim[1]/Repayment[1]/GAD[1]"},
				{Text: "Batch level problem"},
			}},
		}},
	}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), twoDonations())

	if out.Kind != KindDataErrors {
		t.Fatalf("expected data errors, got %s", out.Kind)
	}
	if out.DonationErrors["idA"] != "Invalid postcode" {
		t.Fatalf("expected message to be used as detail, got %q", out.DonationErrors["idA"])
	}
	if _, ok := out.Remaining["idA"]; ok {
		t.Fatal("rejected donation must not remain valid")
	}
	if _, ok := out.Remaining["idB"]; !ok || len(out.Remaining) != 1 {
		t.Fatalf("expected only idB to remain, got %v", out.Remaining.IDs())
	}
	if detail, ok := engine.DonationError("idA"); !ok || detail != "Invalid postcode" {
		t.Fatalf("unexpected donation error lookup %q %v", detail, ok)
	}
	var dataErr *DonationDataError
	if !errors.As(out.Err, &dataErr) || len(dataErr.Errors) != 1 {
		t.Fatalf("expected DonationDataError, got %v", out.Err)
	}
	if gw.polls != 0 {
		t.Fatal("synchronous errors must not poll")
	}
}

func TestRemainingIsSubsetOfInput(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{
			Errors: &RawErrors{Business: []RawError{
				{DonationID: "idB", Text: "bad"},
				{DonationID: "unknown", Text: "not ours"},
			}},
		}},
	}
	engine := newTestEngine(gw, newFakeClock())
	input := twoDonations()

	out := engine.Claim(context.Background(), input)

	for id := range out.Remaining {
		if _, ok := input[id]; !ok {
			t.Fatalf("remaining id %s not in input", id)
		}
		if _, failed := out.DonationErrors[id]; failed {
			t.Fatalf("remaining id %s also has an error", id)
		}
	}
	if out.DonationErrors["idB"] != "bad" {
		t.Fatalf("expected text fallback for detail, got %q", out.DonationErrors["idB"])
	}
}

func TestFatalErrorsAreRejections(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{
			Errors: &RawErrors{Fatal: []RawError{{
				Number:  "1046",
				Text:    "Authentication Failure",
				Message: "The supplied user credentials failed validation for the requested service.",
			}}},
		}},
	}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), twoDonations())

	var rejection *RejectionError
	if out.Kind != KindRejected || !errors.As(out.Err, &rejection) {
		t.Fatalf("expected rejection, got %s %v", out.Kind, out.Err)
	}
	if rejection.Reason != "Fatal: Authentication Failure" {
		t.Fatalf("unexpected reason %q", rejection.Reason)
	}
	if !IsClaimError(out.Err) {
		t.Fatal("rejection must classify as a claim error")
	}
}

func TestUntaggedErrorsAreGenericRejection(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{{CorrelationID: "X"}},
		pollResponses: []*PollResponse{{
			Qualifier: QualifierError,
			Errors:    &RawErrors{Business: []RawError{{Text: "Something at batch level"}}},
		}},
	}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), twoDonations())

	var rejection *RejectionError
	if !errors.As(out.Err, &rejection) || rejection.Reason != "HMRC submission errors" {
		t.Fatalf("expected generic rejection, got %v", out.Err)
	}
	if out.CorrelationID != "X" {
		t.Fatalf("expected correlation id to be kept, got %q", out.CorrelationID)
	}
}

func TestNeitherCorrelationIDNorErrors(t *testing.T) {
	gw := &fakeGateway{submitResponses: []*SubmitResponse{{}}}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), twoDonations())

	var unexpected *UnexpectedResponseError
	if out.Kind != KindUnexpected || !errors.As(out.Err, &unexpected) {
		t.Fatalf("expected unexpected response, got %s %v", out.Kind, out.Err)
	}
}

func TestSubmitTransportErrorIsRejection(t *testing.T) {
	cause := errors.New("connection refused")
	gw := &fakeGateway{submitErr: cause}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), twoDonations())

	if out.Kind != KindRejected || !errors.Is(out.Err, cause) {
		t.Fatalf("expected wrapped transport rejection, got %s %v", out.Kind, out.Err)
	}
}

func TestMixedOrganisationsRejected(t *testing.T) {
	batch := twoDonations()
	other := batch["idB"]
	other.OrgHMRCRef = "ZZ99999"
	batch["idB"] = other
	gw := &fakeGateway{}
	engine := newTestEngine(gw, newFakeClock())

	out := engine.Claim(context.Background(), batch)

	if out.Kind != KindRejected {
		t.Fatalf("expected rejection, got %s", out.Kind)
	}
	if len(gw.submits) != 0 {
		t.Fatal("mixed batch must not be submitted")
	}
}

func TestClaimResetsStateBetweenAttempts(t *testing.T) {
	gw := &fakeGateway{
		submitResponses: []*SubmitResponse{
			{Errors: &RawErrors{Business: []RawError{{DonationID: "idA", Text: "bad"}}}},
			{CorrelationID: "Y"},
		},
		pollResponses: []*PollResponse{{Qualifier: QualifierResponse}},
	}
	engine := newTestEngine(gw, newFakeClock())

	first := engine.Claim(context.Background(), twoDonations())
	second := engine.Claim(context.Background(), first.Remaining)

	if !second.Succeeded() {
		t.Fatalf("expected retry to succeed, got %s", second.Kind)
	}
	if _, ok := engine.DonationError("idA"); ok {
		t.Fatal("expected donation errors to reset on a new claim")
	}
	if got := gw.submits[1].ids; len(got) != 1 || got[0] != "idB" {
		t.Fatalf("expected retry to submit only idB, got %v", got)
	}
}
