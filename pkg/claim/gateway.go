package claim

import (
	"context"
	"time"

	"github.com/claimbot/claimbot/pkg/common/models"
)

// Poll qualifiers.
const (
	QualifierAcknowledgement = "acknowledgement"
	QualifierResponse        = "response"
	QualifierError           = "error"
)

// SubmitResponse is the remote's answer to a submission. A non-empty CorrelationID means the
// claim was accepted for asynchronous processing.
type SubmitResponse struct {
	CorrelationID string
	Endpoint      string
	PollInterval  time.Duration
	Errors        *RawErrors
}

type PollResponse struct {
	Qualifier       string
	CorrelationID   string
	Endpoint        string
	PollInterval    time.Duration
	Errors          *RawErrors
	ResponseMessage string
}

// Gateway is the remote claim RPC.
type Gateway interface {
	Submit(ctx context.Context, donations []models.Donation, org models.ClaimingOrganisation, claimToDate models.Date) (*SubmitResponse, error)
	Poll(ctx context.Context, correlationID, endpoint string) (*PollResponse, error)
}
