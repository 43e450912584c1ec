package subscriptions

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	subsvc "github.com/angelmondragon/billing-backend/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type assignRequest struct {
	UserID    string     `json:"user_id" validate:"required,uuid"`
	PlanID    string     `json:"plan_id" validate:"required,uuid"`
	StartAt   *time.Time `json:"start_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Note      string     `json:"note" validate:"omitempty,max=500"`
}

type markPaidResponse struct {
	Outcome      string                `json:"outcome"`
	Activated    bool                  `json:"activated"`
	Transaction  *transactionResponse  `json:"transaction"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
}

// AdminSubscriptionAssign grants a plan to a user without payment.
func AdminSubscriptionAssign(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload assignRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := uuid.Parse(payload.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user_id"))
			return
		}
		planID, err := uuid.Parse(payload.PlanID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan_id"))
			return
		}

		sub, err := svc.AssignSubscription(r.Context(), subsvc.AssignInput{
			UserID:    userID,
			PlanID:    planID,
			StartAt:   payload.StartAt,
			ExpiresAt: payload.ExpiresAt,
			Note:      validators.SanitizeString(payload.Note, 500),
			Actor:     actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

func AdminSubscriptionCancel(svc Service, logg *logger.Logger) http.HandlerFunc {
	return SubscriptionCancel(svc, logg)
}

// AdminTransactionMarkPaid settles a pending transaction by hand.
func AdminTransactionMarkPaid(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		txID, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.MarkAsPaid(r.Context(), txID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, markPaidResponse{
			Outcome:      string(result.Outcome),
			Activated:    result.Activated,
			Transaction:  newTransactionResponse(result.Transaction),
			Subscription: newSubscriptionResponse(result.Subscription),
		})
	}
}
