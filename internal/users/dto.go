package users

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// UserDTO is the transport shape of a billing user.
type UserDTO struct {
	ID          uuid.UUID      `json:"id"`
	ExternalRef string         `json:"external_ref"`
	DisplayName string         `json:"display_name"`
	Role        enums.UserRole `json:"role"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CreateUserDTO holds the data required by the repo to persist a new user.
type CreateUserDTO struct {
	ExternalRef string
	DisplayName string
	Role        enums.UserRole
}

// ToModel converts the DTO into a persisted model.
func (dto CreateUserDTO) ToModel() *models.User {
	role := dto.Role
	if role == "" {
		role = enums.UserRoleOwner
	}
	return &models.User{
		ID:          uuid.New(),
		ExternalRef: strings.TrimSpace(dto.ExternalRef),
		DisplayName: strings.TrimSpace(dto.DisplayName),
		Role:        role,
	}
}

// FromModel maps a user model into its transport shape.
func FromModel(u *models.User) UserDTO {
	return UserDTO{
		ID:          u.ID,
		ExternalRef: u.ExternalRef,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
	}
}
