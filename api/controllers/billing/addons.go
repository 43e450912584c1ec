package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// AddonService describes the add-on catalog methods used by the HTTP controllers.
type AddonService interface {
	SaveAddonOption(ctx context.Context, key enums.FeatureKey, name string, price decimal.Decimal, currency string) error
	SetOwnerAddon(ctx context.Context, userID uuid.UUID, key enums.FeatureKey, enabled bool) error
}

type addonOptionRequest struct {
	Name     string          `json:"name" validate:"required,max=120"`
	Price    decimal.Decimal `json:"price" validate:"money"`
	Currency string          `json:"currency" validate:"required,iso4217"`
}

type ownerAddonRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// AdminAddonSave creates or reprices the add-on named by the {key} segment.
func AdminAddonSave(svc AddonService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "add-on service unavailable"))
			return
		}

		key, err := featureKeyParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var payload addonOptionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		name := validators.SanitizeString(payload.Name, 120)
		if err := svc.SaveAddonOption(ctx, key, name, payload.Price, payload.Currency); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"feature_key": key,
			"name":        name,
			"price":       payload.Price.StringFixed(2),
			"currency":    strings.ToUpper(payload.Currency),
		})
	}
}

// AddonToggle switches an add-on on or off for the caller.
func AddonToggle(svc AddonService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "add-on service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		key, err := featureKeyParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var payload ownerAddonRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if err := svc.SetOwnerAddon(ctx, userID, key, *payload.Enabled); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"feature_key": key, "enabled": *payload.Enabled})
	}
}

func featureKeyParam(r *http.Request) (enums.FeatureKey, error) {
	key, err := enums.ParseFeatureKey(strings.TrimSpace(chi.URLParam(r, "key")))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid feature key")
	}
	return key, nil
}
