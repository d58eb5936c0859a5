package models

import (
	"time"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/reconciliation"
	"github.com/google/uuid"
)

// ManualReviewModel is the persistence model for reconciliation.ManualReview
type ManualReviewModel struct {
	EntityModel
	EntryID       uuid.UUID                   `gorm:"type:uuid;not null;index"`
	EventID       uuid.UUID                   `gorm:"type:uuid;not null"`
	EventType     ledger.EventKind            `gorm:"type:varchar(20);not null"`
	ConsumerGroup string                      `gorm:"type:varchar(50);not null"`
	Reason        string                      `gorm:"type:text"`
	Attempts      int                         `gorm:"not null;default:0"`
	Compensations int                         `gorm:"not null;default:0"`
	Status        reconciliation.ReviewStatus `gorm:"type:varchar(20);not null;index"`
	Resolution    string                      `gorm:"type:text"`
	ResolvedAt    *time.Time
}

// TableName returns the table name for GORM
func (ManualReviewModel) TableName() string {
	return "ledger_manual_reviews"
}

// ToDomain converts the model to a domain ManualReview
func (m *ManualReviewModel) ToDomain() *reconciliation.ManualReview {
	return &reconciliation.ManualReview{
		BaseEntity:    m.entity(),
		EntryID:       m.EntryID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		ConsumerGroup: m.ConsumerGroup,
		Reason:        m.Reason,
		Attempts:      m.Attempts,
		Compensations: m.Compensations,
		Status:        m.Status,
		Resolution:    m.Resolution,
		ResolvedAt:    m.ResolvedAt,
	}
}

// ManualReviewModelFromDomain maps a domain review to its model
func ManualReviewModelFromDomain(r *reconciliation.ManualReview) *ManualReviewModel {
	return &ManualReviewModel{
		EntityModel:   entityModel(r.BaseEntity),
		EntryID:       r.EntryID,
		EventID:       r.EventID,
		EventType:     r.EventType,
		ConsumerGroup: r.ConsumerGroup,
		Reason:        r.Reason,
		Attempts:      r.Attempts,
		Compensations: r.Compensations,
		Status:        r.Status,
		Resolution:    r.Resolution,
		ResolvedAt:    r.ResolvedAt,
	}
}

// CompensationCounterModel counts saga compensations per journal entry
type CompensationCounterModel struct {
	EntryID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Count     int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CompensationCounterModel) TableName() string {
	return "ledger_compensation_counters"
}
