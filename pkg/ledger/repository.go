package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("claim attempt not found")

// Entry is what callers record about an attempt.
type Entry struct {
	OrgHMRCRef     string
	CorrelationID  string
	Outcome        string
	Retry          bool
	DonationIDs    []string
	DonationErrors map[string]string
	Reason         string
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Record(ctx context.Context, entry Entry) error {
	ids, err := json.Marshal(entry.DonationIDs)
	if err != nil {
		return fmt.Errorf("encode donation ids: %w", err)
	}

	var donationErrors datatypes.JSONMap
	if len(entry.DonationErrors) > 0 {
		donationErrors = make(datatypes.JSONMap, len(entry.DonationErrors))
		for id, detail := range entry.DonationErrors {
			donationErrors[id] = detail
		}
	}

	attempt := &Attempt{
		ID:             uuid.New().String(),
		OrgHMRCRef:     entry.OrgHMRCRef,
		CorrelationID:  entry.CorrelationID,
		Outcome:        entry.Outcome,
		Retry:          entry.Retry,
		DonationIDs:    datatypes.JSON(ids),
		DonationErrors: donationErrors,
		Reason:         entry.Reason,
		CreatedAt:      time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

// ByCorrelationID returns the latest attempt acknowledged under correlationID.
func (r *Repository) ByCorrelationID(ctx context.Context, correlationID string) (*Attempt, error) {
	var attempt Attempt
	result := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at desc").
		First(&attempt)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &attempt, result.Error
}

func (a *Attempt) IDs() ([]string, error) {
	var ids []string
	if len(a.DonationIDs) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(a.DonationIDs, &ids); err != nil {
		return nil, fmt.Errorf("decode donation ids: %w", err)
	}
	return ids, nil
}
