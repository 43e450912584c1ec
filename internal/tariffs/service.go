package tariffs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// ServiceParams groups dependencies for the tariff catalog.
type ServiceParams struct {
	Repo Repository
}

// Service exposes the tariff catalog and price computation.
type Service struct {
	repo Repository
}

// NewService builds a tariff service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	return &Service{repo: params.Repo}, nil
}

// Repo exposes the repository so callers can rebind it to a transaction.
func (s *Service) Repo() Repository {
	return s.repo
}

// CreatePlanInput describes a new plan.
type CreatePlanInput struct {
	Name            string
	Price           decimal.Decimal
	Currency        string
	Period          enums.BillingPeriod
	MaxObjects      int
	MaxEmployees    int
	MaxManagers     int
	Features        []string
	GracePeriodDays int
	IsDefault       bool
}

func (in CreatePlanInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if in.Price.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan price must not be negative")
	}
	if len(strings.TrimSpace(in.Currency)) != 3 {
		return pkgerrors.New(pkgerrors.CodeValidation, "currency must be an ISO 4217 code")
	}
	if !in.Period.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid billing period %q", in.Period))
	}
	for _, limit := range []int{in.MaxObjects, in.MaxEmployees, in.MaxManagers} {
		if limit < models.Unlimited {
			return pkgerrors.New(pkgerrors.CodeValidation, "limits must be -1 (unlimited) or non-negative")
		}
	}
	if in.GracePeriodDays < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "grace period must not be negative")
	}
	if _, err := enums.ParseFeatureSet(in.Features); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid feature set")
	}
	return nil
}

// CreatePlan validates and persists a new active plan.
func (s *Service) CreatePlan(ctx context.Context, in CreatePlanInput) (*models.TariffPlan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	features, _ := enums.ParseFeatureSet(in.Features)
	plan := &models.TariffPlan{
		Name:            strings.TrimSpace(in.Name),
		Price:           in.Price.Round(2),
		Currency:        strings.ToUpper(strings.TrimSpace(in.Currency)),
		Period:          in.Period,
		MaxObjects:      in.MaxObjects,
		MaxEmployees:    in.MaxEmployees,
		MaxManagers:     in.MaxManagers,
		Features:        features.Strings(),
		Active:          true,
		IsDefault:       in.IsDefault,
		GracePeriodDays: in.GracePeriodDays,
	}
	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create tariff plan")
	}
	return plan, nil
}

// ListPlans returns every purchasable plan.
func (s *Service) ListPlans(ctx context.Context) ([]models.TariffPlan, error) {
	plans, err := s.repo.ListActivePlans(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list tariff plans")
	}
	return plans, nil
}

// GetPlan loads a plan or returns NOT_FOUND.
func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*models.TariffPlan, error) {
	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load tariff plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tariff plan not found")
	}
	return plan, nil
}

// DeactivatePlan hides a plan from new subscriptions. Existing subscriptions
// keep referencing it.
func (s *Service) DeactivatePlan(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.SetPlanActive(ctx, id, false)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "deactivate tariff plan")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "tariff plan not found")
	}
	return nil
}

// ComputePrice prices plan for userID including enabled add-ons.
func (s *Service) ComputePrice(ctx context.Context, plan models.TariffPlan, userID uuid.UUID) (decimal.Decimal, error) {
	return computePrice(ctx, s.repo, plan, userID)
}

func computePrice(ctx context.Context, repo Repository, plan models.TariffPlan, userID uuid.UUID) (decimal.Decimal, error) {
	if len(plan.Features) == 0 {
		return plan.Price.Round(2), nil
	}
	enabled, err := repo.ListEnabledAddonKeys(ctx, userID)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load owner add-ons")
	}
	if len(enabled) == 0 {
		return plan.Price.Round(2), nil
	}
	on, err := enums.ParseFeatureSet(enabled)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "owner add-ons")
	}
	options, err := repo.ListAddonOptions(ctx, on.Strings())
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load add-on options")
	}
	price, err := Price(plan, options, on)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "plan feature set")
	}
	return price, nil
}

// ComputePriceTx is ComputePrice on a repository bound to an open transaction.
func ComputePriceTx(ctx context.Context, repo Repository, plan models.TariffPlan, userID uuid.UUID) (decimal.Decimal, error) {
	return computePrice(ctx, repo, plan, userID)
}

// SaveAddonOption creates or reprices an add-on option.
func (s *Service) SaveAddonOption(ctx context.Context, key enums.FeatureKey, name string, price decimal.Decimal, currency string) error {
	if !key.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid feature key %q", key))
	}
	if price.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "add-on price must not be negative")
	}
	option := &models.AddonOption{
		FeatureKey: string(key),
		Name:       name,
		Price:      price.Round(2),
		Currency:   strings.ToUpper(currency),
	}
	if err := s.repo.UpsertAddonOption(ctx, option); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save add-on option")
	}
	return nil
}

// SetOwnerAddon toggles an add-on for one owner.
func (s *Service) SetOwnerAddon(ctx context.Context, userID uuid.UUID, key enums.FeatureKey, enabled bool) error {
	if !key.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid feature key %q", key))
	}
	if err := s.repo.SetOwnerAddon(ctx, &models.OwnerAddon{UserID: userID, FeatureKey: string(key), Enabled: enabled}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save owner add-on")
	}
	return nil
}
