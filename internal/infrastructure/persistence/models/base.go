package models

import (
	"time"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
)

// EntityModel holds the identity and timestamps of a shared.BaseEntity
type EntityModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func entityModel(e shared.BaseEntity) EntityModel {
	return EntityModel{ID: e.ID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

func (m EntityModel) entity() shared.BaseEntity {
	return shared.BaseEntity{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

// VersionedModel adds the optimistic locking version of an aggregate root.
// Repositories compare it in the WHERE clause of every update.
type VersionedModel struct {
	EntityModel
	Version int `gorm:"not null;default:1"`
}

func versionedModel(a shared.BaseAggregateRoot) VersionedModel {
	return VersionedModel{EntityModel: entityModel(a.BaseEntity), Version: a.Version}
}

// root rebuilds the aggregate root. Pending domain events are not persisted.
func (m VersionedModel) root() shared.BaseAggregateRoot {
	return shared.BaseAggregateRoot{BaseEntity: m.entity(), Version: m.Version}
}
