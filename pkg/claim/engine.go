package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/claimbot/claimbot/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollTimeout = 45 * time.Second
	minPollInterval    = time.Second
)

// Engine submits one organisation's batch, polls for the asynchronous result and keeps the
// per-donation state of the latest attempt. It is not safe for concurrent use.
type Engine struct {
	gateway     Gateway
	pollTimeout time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	log         *logrus.Entry

	lastCorrelationID   string
	lastResponseMessage string
	remaining           models.Batch
	donationErrors      map[string]string
}

type Option func(*Engine)

// WithClock replaces the wall clock and the poll sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.now = now
		e.sleep = sleep
	}
}

func NewEngine(gateway Gateway, pollTimeout time.Duration, opts ...Option) *Engine {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	e := &Engine{
		gateway:        gateway,
		pollTimeout:    pollTimeout,
		now:            time.Now,
		sleep:          sleepContext,
		log:            logger.Component("claim_engine"),
		remaining:      models.Batch{},
		donationErrors: map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim submits batch as one claim and waits for its final outcome.
func (e *Engine) Claim(ctx context.Context, batch models.Batch) Outcome {
	out := e.claim(ctx, batch)
	metrics.ObserveClaim(out.Kind.String())
	return out
}

func (e *Engine) claim(ctx context.Context, batch models.Batch) Outcome {
	e.lastCorrelationID = ""
	e.lastResponseMessage = ""
	e.remaining = batch.Clone()
	e.donationErrors = map[string]string{}

	started := e.now()

	if len(batch) == 0 {
		return e.rejected("empty batch", nil, nil)
	}

	ids := batch.IDs()
	donations := make([]models.Donation, 0, len(ids))
	for _, id := range ids {
		donations = append(donations, batch[id])
	}
	org := models.OrganisationOf(donations[0])
	for _, d := range donations[1:] {
		if d.OrgHMRCRef != org.HMRCRef {
			return e.rejected(fmt.Sprintf("batch mixes organisations %s and %s", org.HMRCRef, d.OrgHMRCRef), nil, nil)
		}
	}

	claimToDate := ClaimToDate(donations)
	e.log.WithFields(logrus.Fields{
		"org_hmrc_ref":  org.HMRCRef,
		"donations":     len(donations),
		"claim_to_date": claimToDate.String(),
	}).Info("Submitting claim")

	resp, err := e.gateway.Submit(ctx, donations, org, claimToDate)
	if err != nil {
		return e.rejected("submission failed", nil, err)
	}

	if !resp.Errors.Empty() {
		return e.handleErrors(resp.Errors)
	}

	if resp.CorrelationID == "" {
		e.log.Error("Neither correlation ID nor errors. Is the endpoint valid?")
		return Outcome{Kind: KindUnexpected, Err: &UnexpectedResponseError{}}
	}

	e.lastCorrelationID = resp.CorrelationID
	e.log.WithField("correlation_id", resp.CorrelationID).Info("Claim acknowledged")

	return e.poll(ctx, resp.CorrelationID, resp.Endpoint, resp.PollInterval, started)
}

// PollForResponse polls an already acknowledged claim until it resolves or the poll budget runs out.
func (e *Engine) PollForResponse(ctx context.Context, correlationID, endpoint string) Outcome {
	e.lastCorrelationID = correlationID
	e.lastResponseMessage = ""
	e.donationErrors = map[string]string{}
	e.remaining = models.Batch{}

	out := e.poll(ctx, correlationID, endpoint, 0, e.now())
	metrics.ObserveClaim(out.Kind.String())
	return out
}

func (e *Engine) poll(ctx context.Context, correlationID, endpoint string, interval time.Duration, started time.Time) Outcome {
	log := e.log.WithField("correlation_id", correlationID)

	for {
		if interval < minPollInterval {
			interval = minPollInterval
		}

		if err := e.sleep(ctx, interval); err != nil {
			log.WithError(err).Warn("Polling interrupted")
			return e.pollTimedOut(correlationID, err)
		}
		if e.now().Sub(started) > e.pollTimeout {
			log.WithField("elapsed", e.now().Sub(started).String()).Warn("Poll timed out without a final response")
			return e.pollTimedOut(correlationID, nil)
		}

		metrics.IncPoll()
		resp, err := e.gateway.Poll(ctx, correlationID, endpoint)
		if err != nil {
			log.WithError(err).Warn("Poll request failed")
			continue
		}

		if resp.Endpoint != "" {
			endpoint = resp.Endpoint
		}
		if resp.PollInterval > 0 {
			interval = resp.PollInterval
		}

		switch resp.Qualifier {
		case QualifierResponse, QualifierError:
		default:
			log.WithField("qualifier", resp.Qualifier).Debug("Claim still pending")
			continue
		}

		if !resp.Errors.Empty() || resp.Qualifier == QualifierError {
			return e.handleErrors(resp.Errors)
		}

		e.lastResponseMessage = resp.ResponseMessage
		e.remaining = models.Batch{}
		log.Info("Poll success")
		return Outcome{
			Kind:            KindSuccess,
			CorrelationID:   correlationID,
			ResponseMessage: resp.ResponseMessage,
		}
	}
}

func (e *Engine) handleErrors(raw *RawErrors) Outcome {
	if raw == nil {
		raw = &RawErrors{}
	}

	var untagged []RawError
	for _, item := range raw.Business {
		if item.DonationID == "" {
			untagged = append(untagged, item)
			continue
		}
		e.donationErrors[item.DonationID] = item.Detail()
		delete(e.remaining, item.DonationID)
		e.log.WithFields(logrus.Fields{
			"donation_id": item.DonationID,
			"location":    item.Location,
		}).Errorf("Donation ID %s error at %s: %s", item.DonationID, item.Location, item.Detail())
	}

	if len(untagged)+len(raw.Fatal)+len(raw.Recoverable)+len(raw.Warning) > 0 {
		e.log.WithFields(logrus.Fields{
			"business":    untagged,
			"fatal":       raw.Fatal,
			"recoverable": raw.Recoverable,
			"warning":     raw.Warning,
		}).Error("Remaining errors")
	}

	if len(e.donationErrors) > 0 {
		errs := make(map[string]string, len(e.donationErrors))
		for id, detail := range e.donationErrors {
			errs[id] = detail
		}
		return Outcome{
			Kind:           KindDataErrors,
			CorrelationID:  e.lastCorrelationID,
			DonationErrors: errs,
			Remaining:      e.remaining.Clone(),
			Err:            &DonationDataError{Errors: errs, Raw: raw},
		}
	}

	if len(raw.Fatal) > 0 {
		reason := raw.Fatal[0].Text
		if reason == "" {
			reason = raw.Fatal[0].Message
		}
		return e.rejected("Fatal: "+reason, raw, nil)
	}
	return e.rejected("HMRC submission errors", raw, nil)
}

func (e *Engine) rejected(reason string, raw *RawErrors, cause error) Outcome {
	err := &RejectionError{Reason: reason, Raw: raw, Err: cause}
	e.log.WithError(err).Error("Claim rejected")
	return Outcome{Kind: KindRejected, CorrelationID: e.lastCorrelationID, Err: err}
}

func (e *Engine) pollTimedOut(correlationID string, cause error) Outcome {
	return Outcome{
		Kind:          KindPollTimeout,
		CorrelationID: correlationID,
		Err:           &PollTimeoutError{CorrelationID: correlationID, Err: cause},
	}
}

func (e *Engine) LastCorrelationID() string {
	return e.lastCorrelationID
}

func (e *Engine) LastResponseMessage() string {
	return e.lastResponseMessage
}

// RemainingValidDonations returns the donations of the latest attempt not individually rejected.
func (e *Engine) RemainingValidDonations() models.Batch {
	return e.remaining.Clone()
}

func (e *Engine) DonationError(id string) (string, bool) {
	detail, ok := e.donationErrors[id]
	return detail, ok
}

// ClaimToDate is the latest donation date in donations.
func ClaimToDate(donations []models.Donation) models.Date {
	var latest models.Date
	for _, d := range donations {
		if d.DonationDate.After(latest.Time) {
			latest = d.DonationDate
		}
	}
	return latest
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
