package models

import (
	"time"

	"github.com/google/uuid"
)

// Object, Employee and Manager rows are owned by the presentation flows; the
// usage tracker only counts the non-archived ones per owner.

type Object struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID    uuid.UUID  `gorm:"column:owner_id;type:uuid;not null;index"`
	Name       string     `gorm:"column:name;not null"`
	ArchivedAt *time.Time `gorm:"column:archived_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Object) TableName() string { return "objects" }

type Employee struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID    uuid.UUID  `gorm:"column:owner_id;type:uuid;not null;index"`
	Name       string     `gorm:"column:name;not null"`
	ArchivedAt *time.Time `gorm:"column:archived_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Employee) TableName() string { return "employees" }

type Manager struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID    uuid.UUID  `gorm:"column:owner_id;type:uuid;not null;index"`
	Name       string     `gorm:"column:name;not null"`
	ArchivedAt *time.Time `gorm:"column:archived_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Manager) TableName() string { return "managers" }
