package claim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RawError is one entry of the remote endpoint's error structure.
type RawError struct {
	Number     string `json:"number,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	Location   string `json:"location,omitempty"`
	DonationID string `json:"donation_id,omitempty"`
}

// Detail is the human readable part of the error.
func (e RawError) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Text
}

// RawErrors groups remote errors by severity tier.
type RawErrors struct {
	Fatal       []RawError `json:"fatal,omitempty"`
	Recoverable []RawError `json:"recoverable,omitempty"`
	Business    []RawError `json:"business,omitempty"`
	Warning     []RawError `json:"warning,omitempty"`
}

func (e *RawErrors) Empty() bool {
	return e == nil || len(e.Fatal)+len(e.Recoverable)+len(e.Business)+len(e.Warning) == 0
}

// RejectionError is a whole-batch rejection unrelated to any single donation.
type RejectionError struct {
	Reason string
	Raw    *RawErrors
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("claim rejected: %s: %v", e.Reason, e.Err)
	}
	return "claim rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// UnexpectedResponseError means the remote returned neither a correlation id nor errors.
type UnexpectedResponseError struct{}

func (e *UnexpectedResponseError) Error() string {
	return "unexpected response: neither correlation ID nor errors"
}

// DonationDataError carries the per-donation errors of a partially rejected claim.
type DonationDataError struct {
	Errors map[string]string
	Raw    *RawErrors
}

func (e *DonationDataError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("donation data errors for %s", strings.Join(ids, ", "))
}

// PollTimeoutError is returned when no final response arrived within the poll budget.
type PollTimeoutError struct {
	CorrelationID string
	Err           error
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("no final response for correlation ID %s before poll timeout", e.CorrelationID)
}

func (e *PollTimeoutError) Unwrap() error {
	return e.Err
}

// IsClaimError reports whether err came from the remote claim protocol, as opposed to an
// infrastructure fault.
func IsClaimError(err error) bool {
	var rejection *RejectionError
	var unexpected *UnexpectedResponseError
	var dataErr *DonationDataError
	return errors.As(err, &rejection) || errors.As(err, &unexpected) || errors.As(err, &dataErr)
}
