package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/claimbot/claimbot/pkg/claim"
	"github.com/claimbot/claimbot/pkg/common/config"
	"github.com/claimbot/claimbot/pkg/common/database"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/gateway/govtalk"
	"github.com/claimbot/claimbot/pkg/ledger"
	"github.com/spf13/cobra"
)

const (
	exitSuccess     = 0
	exitPollTimeout = 10
	exitClaimError  = 20
	exitUnexpected  = 30
)

type poller interface {
	PollForResponse(ctx context.Context, correlationID, endpoint string) claim.Outcome
}

type attemptLookup interface {
	ByCorrelationID(ctx context.Context, correlationID string) (*ledger.Attempt, error)
}

func pollCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "poll [correlationId]",
		Short: "Poll HMRC for the outcome of an acknowledged claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := executePoll(cmd.Context(), cmd.OutOrStdout(), args[0], endpoint)
			if code != exitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Poll endpoint (defaults to HMRC_POLL_URL or the environment's HMRC URL)")

	return cmd
}

func executePoll(ctx context.Context, out io.Writer, correlationID, endpoint string) int {
	fmt.Fprintln(out, "claimbot:poll starting!")
	defer fmt.Fprintln(out, "claimbot:poll complete!")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "claimbot:poll – %s\n", err)
		return exitUnexpected
	}
	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "claimbot:poll – %s\n", err)
		return exitUnexpected
	}

	client := govtalk.NewClient(cfg, nil)
	if endpoint == "" {
		endpoint = client.DefaultPollURL()
	}

	var lookup attemptLookup
	if cfg.LedgerEnabled {
		db, err := database.OpenPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Warn("Ledger unavailable, polling without it")
		} else {
			defer database.ClosePostgres(db)
			lookup = ledger.NewRepository(db)
		}
	}

	return runPoll(ctx, out, claim.NewEngine(client, cfg.PollTimeout), lookup, correlationID, endpoint)
}

func runPoll(ctx context.Context, out io.Writer, engine poller, lookup attemptLookup, correlationID, endpoint string) int {
	if lookup != nil {
		describeAttempt(ctx, out, lookup, correlationID)
	}

	outcome := engine.PollForResponse(ctx, correlationID, endpoint)
	switch {
	case outcome.Succeeded():
		fmt.Fprintln(out, "claimbot:poll – Poll success.")
		fmt.Fprintf(out, "claimbot:poll – Full HMRC XML response for correlation ID %s: %s\n", correlationID, outcome.ResponseMessage)
		return exitSuccess
	case outcome.Kind == claim.KindPollTimeout:
		fmt.Fprintf(out, "claimbot:poll – Poll for correlation ID %s timed out.\n", correlationID)
		return exitPollTimeout
	case claim.IsClaimError(outcome.Err):
		fmt.Fprintf(out, "claimbot:poll – Claim error: %s\n", outcome.Err)
		if len(outcome.DonationErrors) > 0 {
			fmt.Fprintf(out, "claimbot:poll – Donation errors: %s\n", formatDonationErrors(outcome.DonationErrors))
		}
		return exitClaimError
	default:
		fmt.Fprintf(out, "claimbot:poll – Unexpected error: %v\n", outcome.Err)
		return exitUnexpected
	}
}

func describeAttempt(ctx context.Context, out io.Writer, lookup attemptLookup, correlationID string) {
	attempt, err := lookup.ByCorrelationID(ctx, correlationID)
	if errors.Is(err, ledger.ErrNotFound) {
		fmt.Fprintf(out, "claimbot:poll – No recorded claim attempt for correlation ID %s.\n", correlationID)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Warn("Ledger lookup failed")
		return
	}
	ids, err := attempt.IDs()
	if err != nil {
		logger.Log.WithError(err).Warn("Ledger entry unreadable")
		return
	}
	fmt.Fprintf(out, "claimbot:poll – Claim for %s covered donations: %s\n", attempt.OrgHMRCRef, strings.Join(ids, ", "))
}

func formatDonationErrors(errs map[string]string) string {
	parts := make([]string, 0, len(errs))
	for id, detail := range errs {
		parts = append(parts, id+": "+detail)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
