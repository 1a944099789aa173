package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/claimbot/claimbot/pkg/batch"
	"github.com/claimbot/claimbot/pkg/claim"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/claimbot/claimbot/pkg/ledger"
	"github.com/claimbot/claimbot/pkg/normalizer"
	"github.com/claimbot/claimbot/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

var errUnsettled = errors.New("donation left unsettled by claim cycle")

type Engine interface {
	Claim(ctx context.Context, batch models.Batch) claim.Outcome
}

// Publisher sends outcome records downstream.
type Publisher interface {
	Publish(ctx context.Context, result models.DonationResult) error
}

// Registry tracks donations that have already been claimed successfully.
type Registry interface {
	Claimed(ctx context.Context, ids []string) (map[string]string, error)
	MarkClaimed(ctx context.Context, ids []string, correlationID string) error
}

type AttemptRecorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

type Reconciler struct {
	engine      Engine
	transformer *normalizer.Transformer
	publisher   Publisher
	registry    Registry
	ledger      AttemptRecorder
	log         *logrus.Entry
}

type Option func(*Reconciler)

func WithRegistry(registry Registry) Option {
	return func(r *Reconciler) { r.registry = registry }
}

func WithLedger(recorder AttemptRecorder) Option {
	return func(r *Reconciler) { r.ledger = recorder }
}

func New(engine Engine, transformer *normalizer.Transformer, publisher Publisher, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:      engine,
		transformer: transformer,
		publisher:   publisher,
		log:         logger.Component("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// settlement wraps one Acknowledger so it is invoked once at most.
type settlement struct {
	ack     batch.Acknowledger
	settled bool
}

type entry struct {
	donation models.Donation
	settle   *settlement
}

// Process reconciles one flushed set of jobs. Every job's Acknowledger is invoked exactly once
// before it returns.
func (r *Reconciler) Process(ctx context.Context, jobs []batch.Job) {
	settlements := make([]*settlement, 0, len(jobs))
	seen := make(map[string]struct{}, len(jobs))
	var valid []batch.Job
	bySettle := make(map[string]*settlement, len(jobs))

	for _, job := range jobs {
		s := &settlement{ack: job.Ack}
		settlements = append(settlements, s)
		d := job.Donation

		if _, dup := seen[d.ID]; dup {
			r.log.WithField("donation_id", d.ID).Warn("Duplicate donation in batch; dropping the extra copy")
			metrics.IncDuplicate()
			r.ack(ctx, d.ID, s, false)
			continue
		}
		seen[d.ID] = struct{}{}

		formatted, err := r.transformer.Transform(d)
		if err != nil {
			r.log.WithError(err).WithField("donation_id", d.ID).
				Error("Donation failed validation; sending to result queue and not to HMRC")
			r.publish(ctx, d, models.DonationOutcome{ID: d.ID, Success: false, Detail: err.Error()})
			r.ack(ctx, d.ID, s, false)
			continue
		}

		bySettle[formatted.ID] = s
		valid = append(valid, batch.Job{Donation: formatted, Ack: job.Ack, Received: job.Received})
	}

	for _, group := range batch.GroupByOrg(valid) {
		entries := make(map[string]entry, len(group.Jobs))
		for _, job := range group.Jobs {
			entries[job.Donation.ID] = entry{donation: job.Donation, settle: bySettle[job.Donation.ID]}
		}
		r.processGroup(ctx, group.OrgRef, entries)
	}

	for _, s := range settlements {
		if !s.settled {
			r.log.Error("Claim cycle left a donation unsettled; requeueing it")
			r.nack(ctx, "", s, errUnsettled)
		}
	}
}

func (r *Reconciler) processGroup(ctx context.Context, orgRef string, entries map[string]entry) {
	log := r.log.WithField("org_hmrc_ref", orgRef)

	claimable := make(models.Batch, len(entries))
	for id, e := range entries {
		claimable[id] = e.donation
	}

	r.skipClaimed(ctx, claimable, entries)
	if len(claimable) == 0 {
		return
	}

	out := r.engine.Claim(ctx, claimable)
	r.record(ctx, orgRef, claimable, out, false)

	switch out.Kind {
	case claim.KindSuccess:
		r.succeed(ctx, claimable, entries, out)
		log.WithField("donations", len(claimable)).Info("Claim succeeded and donation messages acknowledged")

	case claim.KindDataErrors:
		r.failDonations(ctx, entries, out)

		remaining := out.Remaining
		if len(remaining) == 0 {
			return
		}
		log.WithField("donations", len(remaining)).Info("Retrying remaining donations without errors")

		retry := r.engine.Claim(ctx, remaining)
		r.record(ctx, orgRef, remaining, retry, true)

		switch retry.Kind {
		case claim.KindSuccess:
			r.succeed(ctx, remaining, entries, retry)
			log.WithField("donations", len(remaining)).Info("Re-tried claim succeeded and donation messages acknowledged")
		case claim.KindPollTimeout:
			r.timedOut(ctx, remaining, entries, retry)
		default:
			log.WithError(retry.Err).Error("Re-tried claim failed too. No more error detection.")
			for _, id := range remaining.IDs() {
				e := entries[id]
				r.publish(ctx, e.donation, models.DonationOutcome{
					ID:            id,
					Detail:        retry.Err.Error(),
					CorrelationID: retry.CorrelationID,
				})
				r.nack(ctx, id, e.settle, retry.Err)
			}
		}

	case claim.KindPollTimeout:
		r.timedOut(ctx, claimable, entries, out)

	default:
		log.WithError(out.Err).WithField("outcome", out.Kind.String()).Warn("Claim failed with general errors")
		for _, id := range claimable.IDs() {
			r.nack(ctx, id, entries[id].settle, out.Err)
		}
	}
}

// skipClaimed settles donations the registry already holds as claimed and removes them from claimable.
func (r *Reconciler) skipClaimed(ctx context.Context, claimable models.Batch, entries map[string]entry) {
	if r.registry == nil {
		return
	}
	claimed, err := r.registry.Claimed(ctx, claimable.IDs())
	if err != nil {
		r.log.WithError(err).Warn("Claimed registry unavailable; submitting all donations")
		return
	}
	for id, correlationID := range claimed {
		e, ok := entries[id]
		if !ok {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"donation_id":    id,
			"correlation_id": correlationID,
		}).Info("Donation already claimed; not resubmitting")
		delete(claimable, id)
		r.publish(ctx, e.donation, models.DonationOutcome{ID: id, Success: true, CorrelationID: correlationID})
		r.ack(ctx, id, e.settle, true)
	}
}

func (r *Reconciler) succeed(ctx context.Context, claimed models.Batch, entries map[string]entry, out claim.Outcome) {
	ids := claimed.IDs()
	if r.registry != nil {
		if err := r.registry.MarkClaimed(ctx, ids, out.CorrelationID); err != nil {
			r.log.WithError(err).WithField("correlation_id", out.CorrelationID).Warn("Failed to record claimed donations")
		}
	}
	for _, id := range ids {
		e := entries[id]
		r.publish(ctx, e.donation, models.DonationOutcome{
			ID:            id,
			Success:       true,
			Detail:        out.ResponseMessage,
			CorrelationID: out.CorrelationID,
		})
		r.ack(ctx, id, e.settle, true)
	}
}

func (r *Reconciler) failDonations(ctx context.Context, entries map[string]entry, out claim.Outcome) {
	ids := make([]string, 0, len(out.DonationErrors))
	for id := range out.DonationErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e, ok := entries[id]
		if !ok {
			r.log.WithField("donation_id", id).Warn("HMRC reported an error for a donation not in this claim")
			continue
		}
		r.log.WithField("donation_id", id).Info("Claim failed with donation-specific errors; sending to result queue")
		r.publish(ctx, e.donation, models.DonationOutcome{
			ID:            id,
			Detail:        out.DonationErrors[id],
			CorrelationID: out.CorrelationID,
		})
		r.ack(ctx, id, e.settle, false)
	}
}

// timedOut settles donations whose claim HMRC acknowledged but did not resolve in time.
// Redelivering them could claim twice, so they are dropped and left to the poll command.
func (r *Reconciler) timedOut(ctx context.Context, claimed models.Batch, entries map[string]entry, out claim.Outcome) {
	r.log.WithField("correlation_id", out.CorrelationID).
		Error("Claim acknowledged but not resolved before poll timeout; poll it manually")
	for _, id := range claimed.IDs() {
		e := entries[id]
		r.publish(ctx, e.donation, models.DonationOutcome{
			ID:            id,
			Detail:        out.Err.Error(),
			CorrelationID: out.CorrelationID,
		})
		r.ack(ctx, id, e.settle, false)
	}
}

func (r *Reconciler) publish(ctx context.Context, d models.Donation, outcome models.DonationOutcome) {
	if err := r.publisher.Publish(ctx, models.NewDonationResult(d, outcome)); err != nil {
		metrics.IncPublishFailure()
		r.log.WithError(err).WithField("donation_id", d.ID).Error("Result queue dispatch error")
	}
}

func (r *Reconciler) ack(ctx context.Context, id string, s *settlement, success bool) {
	if s == nil || s.settled {
		return
	}
	s.settled = true
	metrics.ObserveAck(success)
	if err := s.ack.Ack(ctx, success); err != nil {
		metrics.IncAckFailure()
		r.log.WithError(err).WithFields(logrus.Fields{
			"donation_id": id,
			"success":     success,
		}).Error("Failed to acknowledge donation message")
	}
}

func (r *Reconciler) nack(ctx context.Context, id string, s *settlement, cause error) {
	if s == nil || s.settled {
		return
	}
	s.settled = true
	metrics.ObserveNack()
	if err := s.ack.Nack(ctx, cause); err != nil {
		metrics.IncAckFailure()
		r.log.WithError(err).WithField("donation_id", id).Error("Failed to reject donation message")
	}
}

func (r *Reconciler) record(ctx context.Context, orgRef string, submitted models.Batch, out claim.Outcome, retry bool) {
	if r.ledger == nil {
		return
	}
	attempt := ledger.Entry{
		OrgHMRCRef:     orgRef,
		CorrelationID:  out.CorrelationID,
		Outcome:        out.Kind.String(),
		Retry:          retry,
		DonationIDs:    submitted.IDs(),
		DonationErrors: out.DonationErrors,
	}
	if out.Err != nil {
		attempt.Reason = out.Err.Error()
	}
	if err := r.ledger.Record(ctx, attempt); err != nil {
		r.log.WithError(err).WithField("org_hmrc_ref", orgRef).Warnf("Failed to record %s claim attempt", out.Kind)
	}
}
