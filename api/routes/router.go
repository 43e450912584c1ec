package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billing-backend/api/controllers"
	billingcontrollers "github.com/angelmondragon/billing-backend/api/controllers/billing"
	subscriptionControllers "github.com/angelmondragon/billing-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billing-backend/api/controllers/webhooks"
	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

// Dependencies are the services and infrastructure the router wires into
// its handlers.
type Dependencies struct {
	DB    controllers.Pinger
	Redis *redis.Client
	// Gatherer backs /metrics; the default registry is used when nil.
	Gatherer prometheus.Gatherer

	Plans         billingcontrollers.PlanService
	Addons        billingcontrollers.AddonService
	Subscriptions subscriptionControllers.Service
	Notifications controllers.NotificationLister
	Webhooks      webhookcontrollers.Ingester
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	readiness := map[string]controllers.Pinger{}
	if deps.DB != nil {
		readiness["database"] = deps.DB
	}
	if deps.Redis != nil {
		readiness["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var idempotencyStore redis.IdempotencyStore
	if deps.Redis != nil {
		idempotencyStore = deps.Redis
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/{provider}", webhookcontrollers.GatewayWebhook(deps.Webhooks, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.Get("/plans", billingcontrollers.PlansList(deps.Plans, logg))
			r.Get("/notifications", controllers.ListNotifications(deps.Notifications, logg))
			r.Put("/addons/{key}", billingcontrollers.AddonToggle(deps.Addons, logg))

			r.Route("/subscription", func(r chi.Router) {
				r.Get("/", subscriptionControllers.SubscriptionCurrent(deps.Subscriptions, logg))
				r.Post("/", subscriptionControllers.SubscriptionCreate(deps.Subscriptions, logg))
				r.Get("/history", subscriptionControllers.SubscriptionHistory(deps.Subscriptions, logg))
				r.Get("/summary", subscriptionControllers.SubscriptionSummary(deps.Subscriptions, logg))
				r.Get("/transactions", subscriptionControllers.SubscriptionTransactions(deps.Subscriptions, logg))
				r.Get("/usage/{kind}/check", subscriptionControllers.SubscriptionUsageCheck(deps.Subscriptions, logg))
				r.Post("/{id}/pay", subscriptionControllers.SubscriptionPay(deps.Subscriptions, logg))
				r.Post("/{id}/cancel", subscriptionControllers.SubscriptionCancel(deps.Subscriptions, logg))
			})
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Post("/plans", billingcontrollers.AdminPlanCreate(deps.Plans, logg))
		r.Post("/plans/{planId}/deactivate", billingcontrollers.AdminPlanDeactivate(deps.Plans, logg))
		r.Put("/addons/{key}", billingcontrollers.AdminAddonSave(deps.Addons, logg))
		r.Post("/subscriptions", subscriptionControllers.AdminSubscriptionAssign(deps.Subscriptions, logg))
		r.Post("/subscriptions/{id}/cancel", subscriptionControllers.AdminSubscriptionCancel(deps.Subscriptions, logg))
		r.Post("/transactions/{id}/mark-paid", subscriptionControllers.AdminTransactionMarkPaid(deps.Subscriptions, logg))
	})

	return r
}
