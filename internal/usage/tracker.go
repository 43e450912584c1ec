package usage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

const snapshotValidity = 24 * time.Hour

// Metric is consumption of one resource kind against its ceiling.
type Metric struct {
	Kind       enums.ResourceKind `json:"kind"`
	Current    int                `json:"current"`
	Max        int                `json:"max"`
	Percentage float64            `json:"percentage"`
	Remaining  int                `json:"remaining"`
}

// Unlimited reports whether the kind has no ceiling.
func (m Metric) Unlimited() bool {
	return m.Max == models.Unlimited
}

// IsOverLimit reports whether adding one more resource would exceed the ceiling.
func (m Metric) IsOverLimit() bool {
	if m.Unlimited() {
		return false
	}
	return m.Current >= m.Max
}

// NewMetric derives percentage and remaining headroom.
func NewMetric(kind enums.ResourceKind, current, max int) Metric {
	m := Metric{Kind: kind, Current: current, Max: max}
	switch {
	case max == models.Unlimited:
		m.Percentage = 0
		m.Remaining = models.Unlimited
	case max <= 0:
		m.Percentage = 100
		m.Remaining = 0
	default:
		m.Percentage = math.Round(float64(current)/float64(max)*10000) / 100
		m.Remaining = max - current
		if m.Remaining < 0 {
			m.Remaining = 0
		}
	}
	return m
}

// Report is the usage of every resource kind for one user.
type Report struct {
	UserID         uuid.UUID  `json:"user_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	PlanID         *uuid.UUID `json:"plan_id,omitempty"`
	PlanName       string     `json:"plan_name,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Metrics        []Metric   `json:"metrics"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// Metric returns the entry for kind.
func (r Report) Metric(kind enums.ResourceKind) Metric {
	for _, m := range r.Metrics {
		if m.Kind == kind {
			return m
		}
	}
	return NewMetric(kind, 0, 0)
}

// IsOverLimit reports whether kind is at or above its ceiling.
func (r Report) IsOverLimit(kind enums.ResourceKind) bool {
	return r.Metric(kind).IsOverLimit()
}

// AtOrAbove lists the kinds whose usage percentage reached threshold.
// Unlimited kinds never qualify.
func (r Report) AtOrAbove(threshold float64) []Metric {
	var out []Metric
	for _, m := range r.Metrics {
		if m.Unlimited() || m.Max <= 0 {
			continue
		}
		if m.Percentage >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// Decision is the outcome of an enforcement check.
type Decision struct {
	Allowed bool               `json:"allowed"`
	Kind    enums.ResourceKind `json:"kind"`
	Reason  string             `json:"reason,omitempty"`
	Current int                `json:"current"`
	Max     int                `json:"max"`
}

// Err converts a denial into a LIMIT_EXCEEDED error carrying the counts.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return pkgerrors.Newf(pkgerrors.CodeLimitExceeded, "%s limit reached", d.Kind).
		WithField("kind", d.Kind).
		WithField("current", d.Current).
		WithField("max", d.Max).
		WithField("reason", d.Reason)
}

// TrackerParams groups dependencies for the usage tracker.
type TrackerParams struct {
	Repo Repository
	Now  func() time.Time
}

// Tracker computes usage against the effective plan of a user.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

// NewTracker builds a usage tracker.
func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{repo: params.Repo, now: now}, nil
}

// effectivePlan resolves the plan whose limits apply: the active subscription's
// plan, else the default plan, else none (all limits zero).
func (t *Tracker) effectivePlan(ctx context.Context, repo Repository, userID uuid.UUID, now time.Time) (*models.UserSubscription, *models.TariffPlan, error) {
	sub, err := repo.FindActiveSubscription(ctx, userID, now)
	if err != nil {
		return nil, nil, err
	}
	if sub != nil {
		plan, err := repo.FindPlan(ctx, sub.TariffPlanID)
		if err != nil {
			return nil, nil, err
		}
		if plan != nil {
			return sub, plan, nil
		}
	}
	plan, err := repo.FindDefaultPlan(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sub, plan, nil
}

// ComputeUsage counts every resource kind for userID.
func (t *Tracker) ComputeUsage(ctx context.Context, userID uuid.UUID) (*Report, error) {
	return t.compute(ctx, t.repo, userID)
}

func (t *Tracker) compute(ctx context.Context, repo Repository, userID uuid.UUID) (*Report, error) {
	now := t.now()
	sub, plan, err := t.effectivePlan(ctx, repo, userID, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve effective plan")
	}

	report := &Report{UserID: userID, ComputedAt: now}
	if sub != nil {
		report.SubscriptionID = &sub.ID
		report.ExpiresAt = sub.ExpiresAt
	}
	if plan != nil {
		report.PlanID = &plan.ID
		report.PlanName = plan.Name
	}

	for _, kind := range enums.ResourceKinds {
		current, err := repo.CountActive(ctx, userID, kind)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count "+kind.String())
		}
		max := 0
		if plan != nil {
			max = plan.Limit(kind)
		}
		report.Metrics = append(report.Metrics, NewMetric(kind, current, max))
	}
	return report, nil
}

// Check decides whether userID may add one more resource of kind.
func (t *Tracker) Check(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind) (Decision, error) {
	if !kind.IsValid() {
		return Decision{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown resource kind")
	}
	report, err := t.ComputeUsage(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	m := report.Metric(kind)
	d := Decision{Allowed: true, Kind: kind, Current: m.Current, Max: m.Max}
	switch {
	case m.Unlimited():
		d.Reason = "unlimited"
	case m.IsOverLimit() && report.PlanID == nil:
		d.Allowed = false
		d.Reason = "no_active_plan"
	case m.IsOverLimit():
		d.Allowed = false
		d.Reason = "limit_reached"
	}
	return d, nil
}

// Snapshot computes and persists the usage of userID.
func (t *Tracker) Snapshot(ctx context.Context, userID uuid.UUID) (*models.UsageSnapshot, *Report, error) {
	report, err := t.ComputeUsage(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	validUntil := report.ComputedAt.Add(snapshotValidity)
	if report.ExpiresAt != nil && report.ExpiresAt.Before(validUntil) {
		validUntil = *report.ExpiresAt
	}
	objects := report.Metric(enums.ResourceObjects)
	employees := report.Metric(enums.ResourceEmployees)
	managers := report.Metric(enums.ResourceManagers)
	snapshot := &models.UsageSnapshot{
		UserID:           userID,
		SubscriptionID:   report.SubscriptionID,
		ObjectsCurrent:   objects.Current,
		ObjectsMax:       objects.Max,
		EmployeesCurrent: employees.Current,
		EmployeesMax:     employees.Max,
		ManagersCurrent:  managers.Current,
		ManagersMax:      managers.Max,
		ValidFrom:        report.ComputedAt,
		ValidUntil:       validUntil,
	}
	if err := t.repo.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist usage snapshot")
	}
	return snapshot, report, nil
}

// UsersToSnapshot pages through users holding an active subscription.
func (t *Tracker) UsersToSnapshot(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	return t.repo.ListUsersWithActiveSubscriptions(ctx, limit, offset)
}
