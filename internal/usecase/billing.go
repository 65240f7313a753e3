package usecase

import (
	"fmt"
	"log/slog"

	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
)

// Billing event types that grant credits. Cancellation and expiration events
// are acknowledged without a balance change: remaining credits stay usable
// until spent.
const (
	BillingInitialPurchase     = "INITIAL_PURCHASE"
	BillingRenewal             = "RENEWAL"
	BillingNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	BillingCancellation        = "CANCELLATION"
	BillingExpiration          = "EXPIRATION"
)

// BillingEvent is the parsed payload of one billing webhook delivery.
type BillingEvent struct {
	ID        string
	Type      string
	UserID    string
	Email     string
	ProductID string
}

// BillingService applies billing webhook events to the credit ledger.
type BillingService struct {
	Users    domain.UserRepository
	Ledger   domain.CreditLedger
	Products config.ProductTable
}

// NewBillingService constructs a BillingService.
func NewBillingService(u domain.UserRepository, l domain.CreditLedger, products config.ProductTable) BillingService {
	return BillingService{Users: u, Ledger: l, Products: products}
}

// HandleEvent processes one verified billing event. Granting events credit
// the user's balance idempotently, keyed by the event id, so a redelivered
// webhook never grants twice. Unknown event types and unknown products are
// acknowledged and logged rather than rejected, matching webhook retry
// semantics: a 2xx stops redelivery.
func (s BillingService) HandleEvent(ctx domain.Context, ev BillingEvent) error {
	switch ev.Type {
	case BillingInitialPurchase, BillingRenewal, BillingNonRenewingPurchase:
	case BillingCancellation, BillingExpiration:
		slog.Info("billing lifecycle event acknowledged",
			slog.String("event_type", ev.Type), slog.String("user_id", ev.UserID))
		return nil
	default:
		slog.Warn("unknown billing event type acknowledged",
			slog.String("event_type", ev.Type), slog.String("event_id", ev.ID))
		return nil
	}

	if ev.UserID == "" || ev.ID == "" {
		return fmt.Errorf("%w: billing event requires id and app_user_id", domain.ErrInvalidArgument)
	}
	credits := s.Products.Credits(ev.ProductID)
	if credits <= 0 {
		slog.Warn("billing event for unknown product acknowledged",
			slog.String("product_id", ev.ProductID), slog.String("event_id", ev.ID))
		return nil
	}

	if _, err := s.Users.GetOrCreate(ctx, ev.UserID, ev.Email); err != nil {
		return fmt.Errorf("op=billing.HandleEvent: ensure user: %w", err)
	}

	sourceRef := fmt.Sprintf("%s:%s:%s", ev.Type, ev.ID, ev.UserID)
	balance, err := s.Ledger.ApplyDelta(ctx, ev.UserID, credits, sourceRef)
	if err != nil {
		return fmt.Errorf("op=billing.HandleEvent: apply grant: %w", err)
	}
	observability.CreditsGrantedTotal.WithLabelValues(ev.ProductID).Add(float64(credits))
	slog.Info("billing grant applied",
		slog.String("user_id", ev.UserID),
		slog.String("product_id", ev.ProductID),
		slog.Int64("credits", credits),
		slog.Int64("balance", balance))
	return nil
}
