package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/billing-backend/api/responses"
	webhooksvc "github.com/angelmondragon/billing-backend/internal/webhooks"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/square"
	"github.com/angelmondragon/billing-backend/pkg/stripe"
)

const maxWebhookBody = 1 << 20

// Ingester accepts raw gateway notifications.
type Ingester interface {
	Ingest(ctx context.Context, provider string, raw gateway.RawNotification) (webhooksvc.Outcome, error)
}

var signatureHeaders = map[enums.GatewayProvider]string{
	enums.GatewayStripe: stripe.SignatureHeader,
	enums.GatewaySquare: square.SignatureHeader,
	enums.GatewayManual: gateway.ManualSignatureHeader,
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// GatewayWebhook receives a provider notification and always answers 200.
// Settlements that fail here are picked up later by the status poller.
func GatewayWebhook(svc Ingester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "provider", provider), "webhook body unreadable")
			}
			responses.WriteSuccess(w, receivedResponse{Received: true})
			return
		}

		raw := gateway.RawNotification{
			Body:      payload,
			Signature: signatureFor(r, provider),
		}
		outcome, err := svc.Ingest(ctx, provider, raw)
		if err != nil && logg != nil {
			logCtx := logg.WithFields(ctx, map[string]any{
				"provider": provider,
				"outcome":  string(outcome),
			})
			logg.Error(logCtx, "webhook processing failed", err)
		}
		responses.WriteSuccess(w, receivedResponse{Received: true})
	}
}

func signatureFor(r *http.Request, provider string) string {
	if header, ok := signatureHeaders[enums.GatewayProvider(provider)]; ok {
		return strings.TrimSpace(r.Header.Get(header))
	}
	return ""
}
