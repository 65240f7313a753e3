package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/usecase"
)

// billingWebhookBody mirrors the billing provider's event envelope.
type billingWebhookBody struct {
	Event struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		AppUserID string `json:"app_user_id"`
		Email     string `json:"email"`
		ProductID string `json:"product_id"`
	} `json:"event"`
}

// BillingWebhookHandler handles POST /v1/webhooks/billing. The signature is
// the hex HMAC-SHA256 of the raw body; it must be verified before the body is
// parsed. A 2xx acknowledges the delivery and stops provider retries, so
// unknown events are accepted, not rejected.
func (s *Server) BillingWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if s.Cfg.WebhookSecret == "" {
			slog.Warn("billing webhook secret not configured, accepting unsigned delivery")
		} else {
			sig := r.Header.Get("X-Webhook-Signature")
			mac := hmac.New(sha256.New, []byte(s.Cfg.WebhookSecret))
			mac.Write(body)
			want := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(sig), []byte(want)) {
				writeError(w, r, fmt.Errorf("%w: bad webhook signature", domain.ErrUnauthenticated), nil)
				return
			}
		}

		var payload billingWebhookBody
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "invalid json",
			}})
			return
		}
		err = s.Billing.HandleEvent(r.Context(), usecase.BillingEvent{
			ID:        payload.Event.ID,
			Type:      payload.Event.Type,
			UserID:    payload.Event.AppUserID,
			Email:     payload.Event.Email,
			ProductID: payload.Event.ProductID,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
