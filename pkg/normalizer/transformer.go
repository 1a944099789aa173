package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/claimbot/claimbot/pkg/common/models"
	"github.com/claimbot/claimbot/pkg/postcode"
)

// MaxHouseLength is the longest house name/number the claim schema accepts.
const MaxHouseLength = 40

var (
	errMissingID     = errors.New("donation id required")
	errMissingOrgRef = errors.New("org_hmrc_ref required")
	errMissingDate   = errors.New("donation_date required")
)

type ValidationError struct {
	DonationID string
	reason     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("donation %s: %v", e.DonationID, e.reason)
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Transformer prepares donations for submission.
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform returns the submission-ready copy of d. Postcode failures are ValidationErrors;
// overlong house values are truncated silently.
func (t *Transformer) Transform(d models.Donation) (models.Donation, error) {
	if strings.TrimSpace(d.ID) == "" {
		return d, ValidationError{reason: errMissingID}
	}

	d.OrgHMRCRef = strings.ToUpper(strings.TrimSpace(d.OrgHMRCRef))
	if d.OrgHMRCRef == "" {
		return d, ValidationError{DonationID: d.ID, reason: errMissingOrgRef}
	}
	if d.DonationDate.IsZero() {
		return d, ValidationError{DonationID: d.ID, reason: errMissingDate}
	}

	d.HouseNo = truncate(strings.TrimSpace(d.HouseNo), MaxHouseLength)

	switch {
	case d.Overseas:
		// No UK postcode is allowed alongside the overseas flag.
		d.Postcode = ""
	case strings.TrimSpace(d.Postcode) != "":
		formatted, err := postcode.Format(d.Postcode)
		if err != nil {
			return d, ValidationError{DonationID: d.ID, reason: err}
		}
		d.Postcode = formatted
	}

	return d, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
