package subscriptions

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	subsvc "github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

// Service is the subscription manager surface the HTTP controllers use.
type Service interface {
	Current(ctx context.Context, userID uuid.UUID) (*subsvc.Overview, error)
	GetSubscription(ctx context.Context, subscriptionID uuid.UUID, actor subsvc.Actor) (*models.UserSubscription, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error)
	GetLimitsSummary(ctx context.Context, userID uuid.UUID) (*usage.Report, error)
	CheckLimit(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind) (usage.Decision, error)
	GetUserTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) (pagination.Page[models.BillingTransaction], error)
	Subscribe(ctx context.Context, in subsvc.SubscribeInput) (*subsvc.SubscribeResult, error)
	StartPayment(ctx context.Context, subscriptionID uuid.UUID, returnURL string) (*subsvc.SubscribeResult, error)
	Cancel(ctx context.Context, subscriptionID uuid.UUID, actor subsvc.Actor) (*models.UserSubscription, error)
	AssignSubscription(ctx context.Context, in subsvc.AssignInput) (*models.UserSubscription, error)
	MarkAsPaid(ctx context.Context, txID uuid.UUID, actor subsvc.Actor) (*subsvc.SettleResult, error)
}

type subscribeRequest struct {
	PlanID             string     `json:"plan_id" validate:"required,uuid"`
	StartAt            *time.Time `json:"start_at"`
	AutoRenewal        bool       `json:"auto_renewal"`
	PaymentMethod      string     `json:"payment_method" validate:"omitempty,max=32"`
	PaymentSourceRef   string     `json:"payment_source_ref" validate:"omitempty,max=255"`
	PaymentCustomerRef string     `json:"payment_customer_ref" validate:"omitempty,max=255"`
	ReturnURL          string     `json:"return_url" validate:"omitempty,url"`
}

type payRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// SubscriptionCurrent returns the caller's current subscription.
func SubscriptionCurrent(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		overview, err := svc.Current(r.Context(), actor.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := overviewResponse{
			Subscription: newSubscriptionResponse(overview.Subscription),
			HasAccess:    overview.HasAccess,
		}
		if overview.Plan != nil {
			resp.PlanName = overview.Plan.Name
		}
		responses.WriteSuccess(w, resp)
	}
}

func SubscriptionSummary(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		report, err := svc.GetLimitsSummary(r.Context(), actor.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

func SubscriptionTransactions(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.GetUserTransactions(r.Context(), actor.UserID, params.Limit, params.Offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]transactionResponse, 0, len(page.Items))
		for i := range page.Items {
			items = append(items, *newTransactionResponse(&page.Items[i]))
		}
		responses.WriteSuccess(w, transactionPageResponse{
			Items:      items,
			Limit:      page.Limit,
			Offset:     page.Offset,
			NextOffset: page.NextOffset,
		})
	}
}

// SubscriptionHistory lists every subscription the caller ever held, newest first.
func SubscriptionHistory(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		rows, err := svc.ListSubscriptions(r.Context(), actor.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]subscriptionResponse, 0, len(rows))
		for i := range rows {
			items = append(items, *newSubscriptionResponse(&rows[i]))
		}
		responses.WriteSuccess(w, subscriptionListResponse{Items: items})
	}
}

// SubscriptionUsageCheck reports whether the caller may add one more
// resource of the given kind. A denial is still a 200 response.
func SubscriptionUsageCheck(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		kind, err := enums.ParseResourceKind(strings.TrimSpace(chi.URLParam(r, "kind")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid resource kind"))
			return
		}

		decision, err := svc.CheckLimit(r.Context(), actor.UserID, kind)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, decision)
	}
}

func SubscriptionCreate(svc Service, logg *logger.Logger) http.HandlerFunc {
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

		var payload subscribeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		planID, err := uuid.Parse(payload.PlanID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan_id"))
			return
		}

		result, err := svc.Subscribe(r.Context(), subsvc.SubscribeInput{
			UserID:             actor.UserID,
			PlanID:             planID,
			StartAt:            payload.StartAt,
			AutoRenewal:        payload.AutoRenewal,
			PaymentMethod:      payload.PaymentMethod,
			PaymentSourceRef:   payload.PaymentSourceRef,
			PaymentCustomerRef: payload.PaymentCustomerRef,
			ReturnURL:          payload.ReturnURL,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newCheckoutResponse(result))
	}
}

// SubscriptionPay opens a new charge for one of the caller's subscriptions.
func SubscriptionPay(svc Service, logg *logger.Logger) http.HandlerFunc {
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
		subscriptionID, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload payRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if _, err := svc.GetSubscription(r.Context(), subscriptionID, actor); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.StartPayment(r.Context(), subscriptionID, payload.ReturnURL)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCheckoutResponse(result))
	}
}

func SubscriptionCancel(svc Service, logg *logger.Logger) http.HandlerFunc {
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
		subscriptionID, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Cancel(r.Context(), subscriptionID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func actorFromRequest(r *http.Request) (subsvc.Actor, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		return subsvc.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	return subsvc.Actor{UserID: userID, Role: middleware.RoleFromContext(r.Context())}, nil
}
