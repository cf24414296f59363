package payments

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/pkg/apperrors"
)

func TestDepositAndBalance(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	account := uuid.New()

	require.NoError(t, f.Deposit(ctx, account, 100))
	require.NoError(t, f.Deposit(ctx, account, 50))

	balance, err := f.Balance(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	err = f.Deposit(ctx, account, 0)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	err = f.Deposit(ctx, uuid.Nil, 10)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSettleMovesAllLegs(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	buyer := uuid.New()
	seller := uuid.New()
	platform := uuid.New()
	require.NoError(t, f.Deposit(ctx, buyer, 200))

	err := f.Settle(ctx, []Leg{
		{From: buyer, To: seller, Amount: 195, Memo: "sale"},
		{From: buyer, To: platform, Amount: 5, Memo: "fee"},
	})
	require.NoError(t, err)

	sellerBalance, _ := f.Balance(ctx, seller)
	platformBalance, _ := f.Balance(ctx, platform)
	buyerBalance, _ := f.Balance(ctx, buyer)
	assert.Equal(t, int64(195), sellerBalance)
	assert.Equal(t, int64(5), platformBalance)
	assert.Equal(t, int64(0), buyerBalance)
}

func TestSettleIsAllOrNothing(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	buyer := uuid.New()
	seller := uuid.New()
	require.NoError(t, f.Deposit(ctx, buyer, 100))

	// Second leg overdraws the buyer, so the first must not apply.
	err := f.Settle(ctx, []Leg{
		{From: buyer, To: seller, Amount: 90, Memo: "sale"},
		{From: buyer, To: seller, Amount: 20, Memo: "fee"},
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientPayment))

	buyerBalance, _ := f.Balance(ctx, buyer)
	sellerBalance, _ := f.Balance(ctx, seller)
	assert.Equal(t, int64(100), buyerBalance)
	assert.Equal(t, int64(0), sellerBalance)
}

func TestSettleNetsDeltasAcrossLegs(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	escrow := uuid.New()
	previous := uuid.New()
	next := uuid.New()
	require.NoError(t, f.Deposit(ctx, escrow, 60))
	require.NoError(t, f.Deposit(ctx, next, 80))

	// Refund and new bid settle as one unit; escrow momentarily nets
	// +20 rather than needing 60 and 80 simultaneously.
	err := f.Settle(ctx, []Leg{
		{From: escrow, To: previous, Amount: 60, Memo: "outbid refund"},
		{From: next, To: escrow, Amount: 80, Memo: "auction bid"},
	})
	require.NoError(t, err)

	escrowBalance, _ := f.Balance(ctx, escrow)
	previousBalance, _ := f.Balance(ctx, previous)
	nextBalance, _ := f.Balance(ctx, next)
	assert.Equal(t, int64(80), escrowBalance)
	assert.Equal(t, int64(60), previousBalance)
	assert.Equal(t, int64(0), nextBalance)
}

func TestSettleValidatesLegs(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	a := uuid.New()
	b := uuid.New()

	err := f.Settle(ctx, []Leg{{From: a, To: b, Amount: -5}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	err = f.Settle(ctx, []Leg{{From: uuid.Nil, To: b, Amount: 5}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	// Zero-amount legs are skipped.
	assert.NoError(t, f.Settle(ctx, []Leg{{From: a, To: b, Amount: 0}}))
}

func TestReverseUndoesSettlement(t *testing.T) {
	f := NewFundsLedger(zap.NewNop())
	ctx := context.Background()
	buyer := uuid.New()
	seller := uuid.New()
	require.NoError(t, f.Deposit(ctx, buyer, 200))

	legs := []Leg{{From: buyer, To: seller, Amount: 200, Memo: "sale"}}
	require.NoError(t, f.Settle(ctx, legs))
	require.NoError(t, f.Settle(ctx, Reverse(legs)))

	buyerBalance, _ := f.Balance(ctx, buyer)
	sellerBalance, _ := f.Balance(ctx, seller)
	assert.Equal(t, int64(200), buyerBalance)
	assert.Equal(t, int64(0), sellerBalance)
}
