package claim

import "github.com/claimbot/claimbot/pkg/common/models"

type Kind int

const (
	KindSuccess Kind = iota
	KindDataErrors
	KindRejected
	KindUnexpected
	KindPollTimeout
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindDataErrors:
		return "data_errors"
	case KindRejected:
		return "rejected"
	case KindUnexpected:
		return "unexpected"
	case KindPollTimeout:
		return "poll_timeout"
	default:
		return "unknown"
	}
}

// Outcome is the result of one claim attempt.
type Outcome struct {
	Kind            Kind
	CorrelationID   string
	ResponseMessage string
	// DonationErrors and Remaining are set for KindDataErrors.
	DonationErrors map[string]string
	Remaining      models.Batch
	// Err is nil only for KindSuccess.
	Err error
}

func (o Outcome) Succeeded() bool {
	return o.Kind == KindSuccess
}
