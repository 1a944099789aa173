package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// Attempt is one claim submission and how it resolved.
type Attempt struct {
	ID             string            `json:"id" gorm:"primaryKey;column:id"`
	OrgHMRCRef     string            `json:"org_hmrc_ref" gorm:"column:org_hmrc_ref;index"`
	CorrelationID  string            `json:"correlation_id,omitempty" gorm:"column:correlation_id;index"`
	Outcome        string            `json:"outcome" gorm:"column:outcome"`
	Retry          bool              `json:"retry" gorm:"column:retry"`
	DonationIDs    datatypes.JSON    `json:"donation_ids" gorm:"column:donation_ids;type:jsonb"`
	DonationErrors datatypes.JSONMap `json:"donation_errors,omitempty" gorm:"column:donation_errors;type:jsonb"`
	Reason         string            `json:"reason,omitempty" gorm:"column:reason"`
	CreatedAt      time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (Attempt) TableName() string {
	return "claim_attempts"
}
