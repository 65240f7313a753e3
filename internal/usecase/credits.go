package usecase

import (
	"github.com/lusterai/enhance/internal/domain"
)

// CreditService exposes the caller's credit balance.
type CreditService struct {
	Ledger domain.CreditLedger
}

// NewCreditService constructs a CreditService.
func NewCreditService(l domain.CreditLedger) CreditService {
	return CreditService{Ledger: l}
}

// Balance returns the caller's current credit balance.
func (s CreditService) Balance(ctx domain.Context, userID string) (int64, error) {
	return s.Ledger.Balance(ctx, userID)
}
