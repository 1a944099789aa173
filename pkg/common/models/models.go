package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format of donation dates.
const DateLayout = "2006-01-02"

// Date is a calendar date carried as YYYY-MM-DD on the wire.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Amount is a currency-exact donation total. It travels as a JSON number, matching what the
// upstream producer sends, and also accepts a quoted decimal.
type Amount struct {
	decimal.Decimal
}

func AmountOf(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Decimal.UnmarshalJSON(data)
}

// Inbound claim message, one per donation.
type Donation struct {
	ID           string          `json:"id"`
	DonationDate Date            `json:"donation_date"`
	Title        string          `json:"title,omitempty"`
	FirstName    string          `json:"first_name"`
	LastName     string          `json:"last_name"`
	HouseNo      string          `json:"house_no"`
	Postcode     string          `json:"postcode"`
	Overseas     bool            `json:"overseas"`
	Amount       Amount          `json:"amount"`
	Sponsored    bool            `json:"sponsored,omitempty"`
	OrgName      string          `json:"org_name,omitempty"`
	OrgHMRCRef   string          `json:"org_hmrc_ref,omitempty"`
	OrgRegulator string          `json:"org_regulator,omitempty"`
	OrgRegNo     string          `json:"org_regulator_number,omitempty"`
}

// Batch maps donation id to donation. Every entry shares one org ref.
type Batch map[string]Donation

// IDs returns the batch's donation ids in ascending order.
func (b Batch) IDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone copies the batch map. Donations are values so the copy is independent.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for id, d := range b {
		out[id] = d
	}
	return out
}

// ClaimingOrganisation is the charity a claim is made on behalf of.
type ClaimingOrganisation struct {
	Name      string `json:"name"`
	HMRCRef   string `json:"hmrc_ref"`
	Regulator string `json:"regulator,omitempty"`
	RegNo     string `json:"reg_no,omitempty"`
}

// OrganisationOf derives the claiming organisation from a donation.
func OrganisationOf(d Donation) ClaimingOrganisation {
	return ClaimingOrganisation{
		Name:      d.OrgName,
		HMRCRef:   d.OrgHMRCRef,
		Regulator: d.OrgRegulator,
		RegNo:     d.OrgRegNo,
	}
}

// DonationOutcome is what a claim cycle decided for one donation.
type DonationOutcome struct {
	ID            string
	Success       bool
	Detail        string
	CorrelationID string
}

// DonationResult is the outbound record: the donation plus its outcome fields.
type DonationResult struct {
	Donation
	ResponseSuccess         *bool   `json:"response_success"`
	ResponseDetail          *string `json:"response_detail"`
	SubmissionCorrelationID *string `json:"submission_correlation_id"`
}

// NewDonationResult joins a donation with its outcome. Empty detail and correlation id stay null.
func NewDonationResult(d Donation, o DonationOutcome) DonationResult {
	success := o.Success
	res := DonationResult{Donation: d, ResponseSuccess: &success}
	if o.Detail != "" {
		detail := o.Detail
		res.ResponseDetail = &detail
	}
	if o.CorrelationID != "" {
		corrID := o.CorrelationID
		res.SubmissionCorrelationID = &corrID
	}
	return res
}
