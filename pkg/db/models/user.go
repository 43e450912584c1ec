package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// User is a business owner (or operator) known to the billing engine.
type User struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ExternalRef string         `gorm:"column:external_ref;not null;uniqueIndex"`
	DisplayName string         `gorm:"column:display_name;not null"`
	Role        enums.UserRole `gorm:"column:role;type:user_role;not null;default:'owner'"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}
