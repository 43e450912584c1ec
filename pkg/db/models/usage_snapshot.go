package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageSnapshot is a point-in-time record of consumption against plan limits.
type UsageSnapshot struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID  `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID   *uuid.UUID `gorm:"column:subscription_id;type:uuid"`
	ObjectsCurrent   int        `gorm:"column:objects_current;not null"`
	ObjectsMax       int        `gorm:"column:objects_max;not null"`
	EmployeesCurrent int        `gorm:"column:employees_current;not null"`
	EmployeesMax     int        `gorm:"column:employees_max;not null"`
	ManagersCurrent  int        `gorm:"column:managers_current;not null"`
	ManagersMax      int        `gorm:"column:managers_max;not null"`
	ValidFrom        time.Time  `gorm:"column:valid_from;not null"`
	ValidUntil       time.Time  `gorm:"column:valid_until;not null"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (UsageSnapshot) TableName() string { return "usage_snapshots" }
