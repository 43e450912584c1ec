package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type NotificationLister interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentNotification, error)
}

type notificationResponse struct {
	ID             uuid.UUID  `json:"id"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	Delivered      bool       `json:"delivered"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListNotifications returns the caller's most recent billing notifications.
func ListNotifications(svc NotificationLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		userID := middleware.UserIDFromContext(r.Context())
		if userID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", 20, 1, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListForUser(r.Context(), userID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]notificationResponse, 0, len(rows))
		for _, n := range rows {
			items = append(items, notificationResponse{
				ID:             n.ID,
				Type:           string(n.Type),
				Title:          n.Title,
				Message:        n.Message,
				SubscriptionID: n.SubscriptionID,
				TransactionID:  n.TransactionID,
				Delivered:      n.SentAt != nil,
				CreatedAt:      n.CreatedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"notifications": items})
	}
}
