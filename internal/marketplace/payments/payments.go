package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/pkg/apperrors"
)

// Leg is one value movement inside a settlement
type Leg struct {
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Amount int64     `json:"amount"`
	Memo   string    `json:"memo"`
}

// Engine abstracts the value-transfer capability the marketplace
// settles trades with. A settlement either fully succeeds or fully
// fails; no partial leg is ever visible.
type Engine interface {
	Deposit(ctx context.Context, account uuid.UUID, amount int64) error
	Balance(ctx context.Context, account uuid.UUID) (int64, error)
	Settle(ctx context.Context, legs []Leg) error
}

// FundsLedger is the internal payment-currency ledger backing the
// engine. External payment rails would replace this behind the same
// interface.
type FundsLedger struct {
	logger   *zap.Logger
	mu       sync.Mutex
	accounts map[uuid.UUID]int64
}

func NewFundsLedger(logger *zap.Logger) *FundsLedger {
	return &FundsLedger{
		logger:   logger,
		accounts: make(map[uuid.UUID]int64),
	}
}

func (f *FundsLedger) Deposit(ctx context.Context, account uuid.UUID, amount int64) error {
	if account == uuid.Nil {
		return apperrors.Validation("deposit account is required")
	}
	if amount <= 0 {
		return apperrors.Validation("deposit amount must be positive, got %d", amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account] += amount
	return nil
}

func (f *FundsLedger) Balance(ctx context.Context, account uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[account], nil
}

// Settle applies all legs atomically. Validation runs against the
// summed deltas first so a failing leg leaves every account untouched.
func (f *FundsLedger) Settle(ctx context.Context, legs []Leg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	deltas := make(map[uuid.UUID]int64, len(legs)*2)
	for _, leg := range legs {
		if leg.Amount < 0 {
			return apperrors.Validation("settlement leg amount must not be negative, got %d", leg.Amount)
		}
		if leg.Amount == 0 {
			continue
		}
		if leg.From == uuid.Nil || leg.To == uuid.Nil {
			return apperrors.Validation("settlement legs require both accounts")
		}
		deltas[leg.From] -= leg.Amount
		deltas[leg.To] += leg.Amount
	}

	for account, delta := range deltas {
		if f.accounts[account]+delta < 0 {
			return apperrors.InsufficientPayment("account %s holds %d, settlement needs %d more",
				account, f.accounts[account], -(f.accounts[account] + delta))
		}
	}

	for account, delta := range deltas {
		f.accounts[account] += delta
		if f.accounts[account] == 0 {
			delete(f.accounts, account)
		}
	}
	return nil
}

// Reverse builds the inverse legs of a settlement, used to roll back
// when a later step of the enclosing operation fails.
func Reverse(legs []Leg) []Leg {
	out := make([]Leg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, Leg{From: leg.To, To: leg.From, Amount: leg.Amount, Memo: "reversal: " + leg.Memo})
	}
	return out
}
