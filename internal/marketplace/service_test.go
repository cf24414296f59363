package marketplace

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/internal/ledger"
	"carbon-exchange/registry/registry-backend/internal/marketplace/payments"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
)

type marketFixture struct {
	market       Service
	ledger       ledger.Service
	funds        payments.Engine
	escrow       uuid.UUID
	feeRecipient uuid.UUID
	seller       uuid.UUID
	batch        *ledger.CreditBatch
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	logger := zap.NewNop()
	escrow := uuid.New()
	feeRecipient := uuid.New()
	seller := uuid.New()

	creditLedger := ledger.NewServiceWithCustodian(audit.NewMemorySink(), logger, escrow)
	funds := payments.NewFundsLedger(logger)
	market := NewService(creditLedger, funds, Config{
		FeeRateBps:         250,
		MaxFeeRateBps:      1000,
		FeeRecipient:       feeRecipient,
		MinAuctionDuration: 10 * time.Millisecond,
		MaxAuctionDuration: time.Hour,
	}, escrow, audit.NewMemorySink(), logger)

	ctx := context.Background()
	sys := authz.System()
	batch, err := creditLedger.Mint(ctx, sys, ledger.MintRequest{
		ProjectID:     "proj-market",
		Methodology:   "VM0042",
		CO2Equivalent: 100,
		Quantity:      100,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
		EvidenceRef:   "evidence/abc",
		Issuer:        seller,
	})
	require.NoError(t, err)
	require.NoError(t, creditLedger.Verify(ctx, sys, batch.ID, uuid.New()))
	require.NoError(t, creditLedger.Activate(ctx, sys, batch.ID))

	return &marketFixture{
		market:       market,
		ledger:       creditLedger,
		funds:        funds,
		escrow:       escrow,
		feeRecipient: feeRecipient,
		seller:       seller,
		batch:        batch,
	}
}

func (f *marketFixture) balance(t *testing.T, account uuid.UUID) int64 {
	t.Helper()
	b, err := f.funds.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func (f *marketFixture) credits(t *testing.T, owner uuid.UUID) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), owner, f.batch.ID)
	require.NoError(t, err)
	return b
}

func TestCreateListingEscrowsCredits(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 40, 5, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(40), listing.Quantity)
	assert.Equal(t, int64(250), listing.FeeRateBps)
	assert.True(t, listing.Active)

	assert.Equal(t, int64(60), f.credits(t, f.seller))
	assert.Equal(t, int64(40), f.credits(t, f.escrow))
}

func TestCreateListingRejectsOverOffer(t *testing.T) {
	f := newMarketFixture(t)

	_, err := f.market.CreateListing(context.Background(), f.batch.ID, f.seller, 101, 5, time.Hour)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientBalance))

	// Nothing was escrowed.
	assert.Equal(t, int64(100), f.credits(t, f.seller))
	assert.Equal(t, int64(0), f.credits(t, f.escrow))
}

func TestPurchaseSplitsPaymentAndDelivers(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 500))

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 100, 5, time.Hour)
	require.NoError(t, err)

	// 40 units at 5 each, 250 bps fee: total 200, fee 5, payout 195.
	receipt, err := f.market.Purchase(ctx, listing.ID, buyer, 40, 200)
	require.NoError(t, err)

	assert.Equal(t, int64(200), receipt.TotalPrice)
	assert.Equal(t, int64(5), receipt.PlatformFee)
	assert.Equal(t, int64(195), receipt.SellerPayout)
	assert.Equal(t, int64(0), receipt.Overpayment)

	assert.Equal(t, int64(195), f.balance(t, f.seller))
	assert.Equal(t, int64(5), f.balance(t, f.feeRecipient))
	assert.Equal(t, int64(300), f.balance(t, buyer))

	assert.Equal(t, int64(40), f.credits(t, buyer))
	assert.Equal(t, int64(60), f.credits(t, f.escrow))

	listings, err := f.market.ListingsBySeller(ctx, f.seller)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, int64(60), listings[0].Quantity)
	assert.True(t, listings[0].Active)
}

func TestPurchaseOverpaymentNeverDebited(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 500))

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 100, 5, time.Hour)
	require.NoError(t, err)

	receipt, err := f.market.Purchase(ctx, listing.ID, buyer, 10, 120)
	require.NoError(t, err)

	// Only the 50 owed moved; the declared surplus stays with the buyer.
	assert.Equal(t, int64(70), receipt.Overpayment)
	assert.Equal(t, int64(450), f.balance(t, buyer))
}

func TestPurchaseRejectsUnderpayment(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 500))

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 100, 5, time.Hour)
	require.NoError(t, err)

	_, err = f.market.Purchase(ctx, listing.ID, buyer, 40, 199)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientPayment))

	// Nothing moved.
	assert.Equal(t, int64(500), f.balance(t, buyer))
	assert.Equal(t, int64(0), f.credits(t, buyer))
}

func TestPurchaseRejectsInsufficientFunds(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 100))

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 100, 5, time.Hour)
	require.NoError(t, err)

	// Buyer claims 200 but holds 100.
	_, err = f.market.Purchase(ctx, listing.ID, buyer, 40, 200)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientPayment))
	assert.Equal(t, int64(100), f.balance(t, buyer))
}

func TestPurchaseRejectsSelfAndOverQuantity(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 50, 5, time.Hour)
	require.NoError(t, err)

	_, err = f.market.Purchase(ctx, listing.ID, f.seller, 10, 50)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 1000))
	_, err = f.market.Purchase(ctx, listing.ID, buyer, 51, 255)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestListingSellsOutAndDeactivates(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 1000))

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 20, 5, time.Hour)
	require.NoError(t, err)

	_, err = f.market.Purchase(ctx, listing.ID, buyer, 20, 100)
	require.NoError(t, err)

	active, err := f.market.ActiveListings(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.market.Purchase(ctx, listing.ID, buyer, 1, 5)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))
}

func TestCancelListingReturnsEscrow(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 40, 5, time.Hour)
	require.NoError(t, err)

	// Only the seller may cancel.
	err = f.market.CancelListing(ctx, listing.ID, uuid.New())
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthorized))

	require.NoError(t, f.market.CancelListing(ctx, listing.ID, f.seller))
	assert.Equal(t, int64(100), f.credits(t, f.seller))
	assert.Equal(t, int64(0), f.credits(t, f.escrow))

	err = f.market.CancelListing(ctx, listing.ID, f.seller)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))
}

func TestExpireListingReleasesEscrow(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 40, 5, 30*time.Millisecond)
	require.NoError(t, err)

	// Too early.
	err = f.market.ExpireListing(ctx, listing.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))

	time.Sleep(50 * time.Millisecond)

	// Expired listings refuse purchases.
	buyer := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, buyer, 1000))
	_, err = f.market.Purchase(ctx, listing.ID, buyer, 10, 50)
	assert.True(t, apperrors.IsKind(err, apperrors.KindExpired))

	// Anyone may trigger the release.
	require.NoError(t, f.market.ExpireListing(ctx, listing.ID))
	assert.Equal(t, int64(100), f.credits(t, f.seller))

	expired := f.market.ExpiredActiveListings(ctx)
	assert.Empty(t, expired)
}

func TestAuctionOutbidRefundsAtomically(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	bidderA := uuid.New()
	bidderB := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, bidderA, 100))
	require.NoError(t, f.funds.Deposit(ctx, bidderB, 100))

	auction, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(90), f.credits(t, f.seller))

	// First bid must meet the starting price.
	err = f.market.PlaceBid(ctx, auction.ID, bidderA, 49)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	require.NoError(t, f.market.PlaceBid(ctx, auction.ID, bidderA, 60))
	assert.Equal(t, int64(40), f.balance(t, bidderA))
	assert.Equal(t, int64(60), f.balance(t, f.escrow))

	// A later bid must strictly exceed the current highest.
	err = f.market.PlaceBid(ctx, auction.ID, bidderB, 60)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	require.NoError(t, f.market.PlaceBid(ctx, auction.ID, bidderB, 80))
	assert.Equal(t, int64(100), f.balance(t, bidderA))
	assert.Equal(t, int64(20), f.balance(t, bidderB))
	assert.Equal(t, int64(80), f.balance(t, f.escrow))
}

func TestPlaceBidRejectsSellerAndBrokeBidder(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	auction, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, time.Hour)
	require.NoError(t, err)

	err = f.market.PlaceBid(ctx, auction.ID, f.seller, 60)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	broke := uuid.New()
	err = f.market.PlaceBid(ctx, auction.ID, broke, 60)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientPayment))
}

func TestFinalizeAuctionPaysWinner(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	bidder := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, bidder, 100))

	auction, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.market.PlaceBid(ctx, auction.ID, bidder, 80))

	// Finalizing a live auction conflicts.
	_, err = f.market.FinalizeAuction(ctx, auction.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))

	time.Sleep(50 * time.Millisecond)

	settlement, err := f.market.FinalizeAuction(ctx, auction.ID)
	require.NoError(t, err)

	// 80 at 250 bps: fee 2, payout 78.
	require.NotNil(t, settlement.Winner)
	assert.Equal(t, bidder, *settlement.Winner)
	assert.Equal(t, int64(80), settlement.SalePrice)
	assert.Equal(t, int64(2), settlement.PlatformFee)
	assert.Equal(t, int64(78), settlement.SellerPayout)
	assert.Equal(t, int64(10), settlement.QuantitySold)

	assert.Equal(t, int64(78), f.balance(t, f.seller))
	assert.Equal(t, int64(2), f.balance(t, f.feeRecipient))
	assert.Equal(t, int64(0), f.balance(t, f.escrow))
	assert.Equal(t, int64(10), f.credits(t, bidder))

	// Finalize is not repeatable.
	_, err = f.market.FinalizeAuction(ctx, auction.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))
}

func TestFinalizeAuctionWithoutBidsReturnsQuantity(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	auction, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, 30*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	settlement, err := f.market.FinalizeAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Nil(t, settlement.Winner)
	assert.Equal(t, int64(10), settlement.QuantityReturned)
	assert.Equal(t, int64(100), f.credits(t, f.seller))
}

func TestFinalizeCancelledBatchRefundsBidder(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	bidder := uuid.New()
	require.NoError(t, f.funds.Deposit(ctx, bidder, 100))

	auction, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.market.PlaceBid(ctx, auction.ID, bidder, 80))

	require.NoError(t, f.ledger.Cancel(ctx, authz.System(), f.batch.ID, "registry error"))
	time.Sleep(50 * time.Millisecond)

	settlement, err := f.market.FinalizeAuction(ctx, auction.ID)
	require.NoError(t, err)

	// No sale: the bid comes back and escrowed units return to the
	// seller through the custody-return path.
	assert.Nil(t, settlement.Winner)
	assert.Equal(t, int64(10), settlement.QuantityReturned)
	assert.Equal(t, int64(100), f.balance(t, bidder))
	assert.Equal(t, int64(100), f.credits(t, f.seller))
}

func TestAuctionDurationBounds(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	_, err := f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, time.Millisecond)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = f.market.CreateAuction(ctx, f.batch.ID, f.seller, 10, 50, 2*time.Hour)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSetFeeRateAffectsOnlyNewListings(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	before, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 10, 5, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.market.SetFeeRate(500))
	assert.Equal(t, int64(500), f.market.FeeRate())

	after, err := f.market.CreateListing(ctx, f.batch.ID, f.seller, 10, 5, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(250), before.FeeRateBps)
	assert.Equal(t, int64(500), after.FeeRateBps)

	err = f.market.SetFeeRate(2000)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestPlatformFeeFloors(t *testing.T) {
	assert.Equal(t, int64(5), platformFee(200, 250))
	assert.Equal(t, int64(0), platformFee(39, 250))
	assert.Equal(t, int64(2), platformFee(80, 250))
	assert.Equal(t, int64(0), platformFee(100, 0))
}
