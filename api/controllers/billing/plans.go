package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// PlanService describes the tariff plan methods used by the HTTP controllers.
type PlanService interface {
	ListPlans(ctx context.Context) ([]models.TariffPlan, error)
	CreatePlan(ctx context.Context, in tariffs.CreatePlanInput) (*models.TariffPlan, error)
	DeactivatePlan(ctx context.Context, id uuid.UUID) error
}

type planLimitsResponse struct {
	Objects   int `json:"objects"`
	Employees int `json:"employees"`
	Managers  int `json:"managers"`
}

type planResponse struct {
	ID              uuid.UUID          `json:"id"`
	Name            string             `json:"name"`
	Price           string             `json:"price"`
	Currency        string             `json:"currency"`
	Period          string             `json:"period"`
	Free            bool               `json:"free"`
	Limits          planLimitsResponse `json:"limits"`
	Features        []string           `json:"features"`
	IsDefault       bool               `json:"is_default"`
	GracePeriodDays int                `json:"grace_period_days"`
	CreatedAt       string             `json:"created_at"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

type planCreateRequest struct {
	Name            string          `json:"name" validate:"required,max=120"`
	Price           decimal.Decimal `json:"price" validate:"money"`
	Currency        string          `json:"currency" validate:"required,iso4217"`
	Period          string          `json:"period" validate:"required,oneof=month year"`
	MaxObjects      int             `json:"max_objects" validate:"gte=-1"`
	MaxEmployees    int             `json:"max_employees" validate:"gte=-1"`
	MaxManagers     int             `json:"max_managers" validate:"gte=-1"`
	Features        []string        `json:"features"`
	GracePeriodDays int             `json:"grace_period_days" validate:"gte=0"`
	IsDefault       bool            `json:"is_default"`
}

// PlansList returns every active tariff plan.
func PlansList(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		plans, err := svc.ListPlans(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, planListResponse{Plans: plansToResponse(plans)})
	}
}

func AdminPlanCreate(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		var payload planCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		period, err := enums.ParseBillingPeriod(strings.TrimSpace(payload.Period))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid period"))
			return
		}

		plan, err := svc.CreatePlan(ctx, tariffs.CreatePlanInput{
			Name:            validators.SanitizeString(payload.Name, 120),
			Price:           payload.Price,
			Currency:        payload.Currency,
			Period:          period,
			MaxObjects:      payload.MaxObjects,
			MaxEmployees:    payload.MaxEmployees,
			MaxManagers:     payload.MaxManagers,
			Features:        payload.Features,
			GracePeriodDays: payload.GracePeriodDays,
			IsDefault:       payload.IsDefault,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, planToResponse(plan))
	}
}

func AdminPlanDeactivate(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := validators.ParseUUIDParam(r, "planId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := svc.DeactivatePlan(ctx, planID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": planID, "active": false})
	}
}

func plansToResponse(plans []models.TariffPlan) []planResponse {
	result := make([]planResponse, 0, len(plans))
	for i := range plans {
		result = append(result, planToResponse(&plans[i]))
	}
	return result
}

func planToResponse(plan *models.TariffPlan) planResponse {
	features := make([]string, len(plan.Features))
	copy(features, plan.Features)

	return planResponse{
		ID:       plan.ID,
		Name:     plan.Name,
		Price:    plan.Price.StringFixed(2),
		Currency: plan.Currency,
		Period:   string(plan.Period),
		Free:     plan.IsFree(),
		Limits: planLimitsResponse{
			Objects:   plan.MaxObjects,
			Employees: plan.MaxEmployees,
			Managers:  plan.MaxManagers,
		},
		Features:        features,
		IsDefault:       plan.IsDefault,
		GracePeriodDays: plan.GracePeriodDays,
		CreatedAt:       plan.CreatedAt.UTC().Format(time.RFC3339),
	}
}
