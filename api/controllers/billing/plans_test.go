package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

type stubPlanService struct {
	plans       []models.TariffPlan
	created     *tariffs.CreatePlanInput
	deactivated uuid.UUID
	err         error
}

func (s *stubPlanService) ListPlans(ctx context.Context) ([]models.TariffPlan, error) {
	return s.plans, s.err
}

func (s *stubPlanService) CreatePlan(ctx context.Context, in tariffs.CreatePlanInput) (*models.TariffPlan, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created = &in
	return &models.TariffPlan{
		ID:       uuid.New(),
		Name:     in.Name,
		Price:    in.Price,
		Currency: in.Currency,
		Period:   in.Period,
		Active:   true,
	}, nil
}

func (s *stubPlanService) DeactivatePlan(ctx context.Context, id uuid.UUID) error {
	s.deactivated = id
	return s.err
}

func TestPlansListReturnsPlans(t *testing.T) {
	service := &stubPlanService{
		plans: []models.TariffPlan{
			{ID: uuid.New(), Name: "Free", Price: decimal.Zero, Currency: "USD", Period: enums.BillingPeriodMonth, MaxObjects: 1},
			{ID: uuid.New(), Name: "Pro", Price: decimal.RequireFromString("49"), Currency: "USD", Period: enums.BillingPeriodMonth, MaxObjects: models.Unlimited},
		},
	}
	resp := httptest.NewRecorder()
	PlansList(service, nil)(resp, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}

	var body struct {
		Data planListResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Plans) != 2 {
		t.Fatalf("expected 2 plans got %d", len(body.Data.Plans))
	}
	if !body.Data.Plans[0].Free || body.Data.Plans[1].Free {
		t.Fatalf("unexpected free flags %+v", body.Data.Plans)
	}
	if body.Data.Plans[1].Price != "49.00" {
		t.Fatalf("expected price 49.00 got %s", body.Data.Plans[1].Price)
	}
	if body.Data.Plans[1].Limits.Objects != models.Unlimited {
		t.Fatalf("expected unlimited objects got %d", body.Data.Plans[1].Limits.Objects)
	}
}

func TestAdminPlanCreate(t *testing.T) {
	service := &stubPlanService{}
	payload := `{"name":"Team","price":"19.90","currency":"USD","period":"year","max_objects":10,"max_employees":-1,"max_managers":2,"grace_period_days":7}`
	resp := httptest.NewRecorder()
	AdminPlanCreate(service, nil)(resp, httptest.NewRequest(http.MethodPost, "/api/admin/v1/plans", strings.NewReader(payload)))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
	if service.created == nil {
		t.Fatal("expected plan to be created")
	}
	if service.created.Period != enums.BillingPeriodYear {
		t.Fatalf("expected yearly period got %s", service.created.Period)
	}
	if !service.created.Price.Equal(decimal.RequireFromString("19.90")) {
		t.Fatalf("unexpected price %s", service.created.Price)
	}
	if service.created.MaxEmployees != models.Unlimited || service.created.GracePeriodDays != 7 {
		t.Fatalf("unexpected input %+v", service.created)
	}
}

func TestAdminPlanCreateRejectsInvalidPeriod(t *testing.T) {
	service := &stubPlanService{}
	payload := `{"name":"Team","price":"19.90","currency":"USD","period":"week"}`
	resp := httptest.NewRecorder()
	AdminPlanCreate(service, nil)(resp, httptest.NewRequest(http.MethodPost, "/api/admin/v1/plans", strings.NewReader(payload)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if service.created != nil {
		t.Fatal("plan should not be created")
	}
}

func TestAdminPlanDeactivate(t *testing.T) {
	service := &stubPlanService{}
	planID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/plans/"+planID.String()+"/deactivate", nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("planId", planID.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	resp := httptest.NewRecorder()
	AdminPlanDeactivate(service, nil)(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if service.deactivated != planID {
		t.Fatalf("expected %s deactivated got %s", planID, service.deactivated)
	}
}

func TestAdminPlanDeactivateNotFound(t *testing.T) {
	service := &stubPlanService{err: pkgerrors.New(pkgerrors.CodeNotFound, "tariff plan not found")}
	planID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("planId", planID.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	resp := httptest.NewRecorder()
	AdminPlanDeactivate(service, nil)(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.Code)
	}
}
