package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/internal/ledger"
	"carbon-exchange/registry/registry-backend/internal/marketplace/payments"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
)

// CreditLedger is the slice of the ledger the marketplace needs for
// balance checks and escrow movements.
type CreditLedger interface {
	GetBatch(ctx context.Context, batchID int64) (*ledger.CreditBatch, error)
	GetBalance(ctx context.Context, owner uuid.UUID, batchID int64) (int64, error)
	Transfer(ctx context.Context, batchID int64, from, to uuid.UUID, quantity int64) error
}

// Config holds marketplace parameters
type Config struct {
	FeeRateBps         int64
	MaxFeeRateBps      int64
	FeeRecipient       uuid.UUID
	MinAuctionDuration time.Duration
	MaxAuctionDuration time.Duration
}

// Service owns listings, auctions, escrow and fee accounting
type Service interface {
	CreateListing(ctx context.Context, batchID int64, seller uuid.UUID, quantity, unitPrice int64, duration time.Duration) (*Listing, error)
	Purchase(ctx context.Context, listingID int64, buyer uuid.UUID, quantity, paymentAmount int64) (*PurchaseReceipt, error)
	CancelListing(ctx context.Context, listingID int64, caller uuid.UUID) error
	ExpireListing(ctx context.Context, listingID int64) error

	CreateAuction(ctx context.Context, batchID int64, seller uuid.UUID, quantity, startingPrice int64, duration time.Duration) (*Auction, error)
	PlaceBid(ctx context.Context, auctionID int64, bidder uuid.UUID, bidAmount int64) error
	FinalizeAuction(ctx context.Context, auctionID int64) (*AuctionSettlement, error)

	ActiveListings(ctx context.Context) ([]Listing, error)
	ActiveAuctions(ctx context.Context) ([]Auction, error)
	ListingsBySeller(ctx context.Context, seller uuid.UUID) ([]Listing, error)
	EndedUnfinalizedAuctions(ctx context.Context) []Auction
	ExpiredActiveListings(ctx context.Context) []Listing

	EscrowAccount() uuid.UUID
	FeeRate() int64
	SetFeeRate(bps int64) error
}

type marketplaceService struct {
	logger    *zap.Logger
	auditSink audit.Sink
	ledger    CreditLedger
	funds     payments.Engine
	cfg       Config
	escrow    uuid.UUID

	mu            sync.RWMutex
	listings      map[int64]*Listing
	auctions      map[int64]*Auction
	nextListingID int64
	nextAuctionID int64
	feeRateBps    int64

	locksMu      sync.Mutex
	listingLocks map[int64]*sync.Mutex
	auctionLocks map[int64]*sync.Mutex
}

// NewService creates the marketplace engine. The escrow account identity
// holds both escrowed credits (in the ledger) and escrowed bid funds
// (in the payments engine).
func NewService(creditLedger CreditLedger, funds payments.Engine, cfg Config, escrow uuid.UUID, auditSink audit.Sink, logger *zap.Logger) Service {
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	if cfg.MinAuctionDuration == 0 {
		cfg.MinAuctionDuration = time.Hour
	}
	if cfg.MaxAuctionDuration == 0 {
		cfg.MaxAuctionDuration = 7 * 24 * time.Hour
	}
	if cfg.MaxFeeRateBps == 0 {
		cfg.MaxFeeRateBps = 1000
	}
	return &marketplaceService{
		logger:       logger,
		auditSink:    auditSink,
		ledger:       creditLedger,
		funds:        funds,
		cfg:          cfg,
		escrow:       escrow,
		listings:     make(map[int64]*Listing),
		auctions:     make(map[int64]*Auction),
		feeRateBps:   cfg.FeeRateBps,
		listingLocks: make(map[int64]*sync.Mutex),
		auctionLocks: make(map[int64]*sync.Mutex),
	}
}

func (s *marketplaceService) EscrowAccount() uuid.UUID { return s.escrow }

func (s *marketplaceService) FeeRate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRateBps
}

// SetFeeRate changes the rate for listings and auctions created after
// the change; existing escrow keeps the rate captured at creation.
func (s *marketplaceService) SetFeeRate(bps int64) error {
	if bps < 0 || bps > s.cfg.MaxFeeRateBps {
		return apperrors.Validation("fee rate %d bps outside [0,%d]", bps, s.cfg.MaxFeeRateBps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeRateBps = bps
	return nil
}

func (s *marketplaceService) listingLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.listingLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.listingLocks[id] = l
	}
	return l
}

func (s *marketplaceService) auctionLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.auctionLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.auctionLocks[id] = l
	}
	return l
}

func (s *marketplaceService) emit(ctx context.Context, event audit.Event) {
	if err := s.auditSink.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("entity", event.Entity),
			zap.Int64("entity_id", event.EntityID),
			zap.String("action", event.Action),
			zap.Error(err))
	}
}

// requireActiveBatch validates that a batch can currently trade
func (s *marketplaceService) requireActiveBatch(ctx context.Context, batchID int64) (*ledger.CreditBatch, error) {
	batch, err := s.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != ledger.BatchStatusActive {
		return nil, apperrors.StateConflict("batch %d is %s, trading requires %s", batchID, batch.Status, ledger.BatchStatusActive)
	}
	return batch, nil
}

func (s *marketplaceService) CreateListing(ctx context.Context, batchID int64, seller uuid.UUID, quantity, unitPrice int64, duration time.Duration) (*Listing, error) {
	if seller == uuid.Nil {
		return nil, apperrors.Validation("seller identity is required")
	}
	if quantity <= 0 {
		return nil, apperrors.Validation("listing quantity must be positive, got %d", quantity)
	}
	if unitPrice <= 0 {
		return nil, apperrors.Validation("unit price must be positive, got %d", unitPrice)
	}
	if duration <= 0 {
		return nil, apperrors.Validation("listing duration must be positive")
	}
	if _, err := s.requireActiveBatch(ctx, batchID); err != nil {
		return nil, err
	}

	// Escrow the offered quantity out of the seller's balance. The
	// ledger rejects this atomically when the balance is short.
	if err := s.ledger.Transfer(ctx, batchID, seller, s.escrow, quantity); err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.nextListingID++
	listing := &Listing{
		ID:               s.nextListingID,
		BatchID:          batchID,
		Seller:           seller,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		UnitPrice:        unitPrice,
		FeeRateBps:       s.feeRateBps,
		CreatedAt:        now,
		ExpiresAt:        now.Add(duration),
		Active:           true,
	}
	s.listings[listing.ID] = listing
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(seller, "marketplace.listing", listing.ID, "create", listing))
	s.logger.Info("created listing",
		zap.Int64("listing_id", listing.ID),
		zap.Int64("batch_id", batchID),
		zap.Int64("quantity", quantity),
		zap.Int64("unit_price", unitPrice))

	out := *listing
	return &out, nil
}

func (s *marketplaceService) Purchase(ctx context.Context, listingID int64, buyer uuid.UUID, quantity, paymentAmount int64) (*PurchaseReceipt, error) {
	if buyer == uuid.Nil {
		return nil, apperrors.Validation("buyer identity is required")
	}
	if quantity <= 0 {
		return nil, apperrors.Validation("purchase quantity must be positive, got %d", quantity)
	}

	lock := s.listingLock(listingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	listing, ok := s.listings[listingID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("listing %d not found", listingID)
	}

	now := time.Now()
	if !listing.Active {
		return nil, apperrors.StateConflict("listing %d is no longer active", listingID)
	}
	if listing.Expired(now) {
		return nil, apperrors.Expired("listing %d expired at %s", listingID, listing.ExpiresAt.Format(time.RFC3339))
	}
	if buyer == listing.Seller {
		return nil, apperrors.Validation("seller cannot purchase own listing")
	}
	if quantity > listing.Quantity {
		return nil, apperrors.Validation("requested %d units, listing has %d remaining", quantity, listing.Quantity)
	}
	if _, err := s.requireActiveBatch(ctx, listing.BatchID); err != nil {
		return nil, err
	}

	totalPrice := quantity * listing.UnitPrice
	if paymentAmount < totalPrice {
		return nil, apperrors.InsufficientPayment("payment %d below total price %d", paymentAmount, totalPrice)
	}

	fee := platformFee(totalPrice, listing.FeeRateBps)
	legs := []payments.Leg{
		{From: buyer, To: listing.Seller, Amount: totalPrice - fee, Memo: "listing sale"},
		{From: buyer, To: s.cfg.FeeRecipient, Amount: fee, Memo: "platform fee"},
	}
	if err := s.funds.Settle(ctx, legs); err != nil {
		return nil, err
	}

	// Move escrowed credits to the buyer; unwind the payment if the
	// ledger refuses so neither side ends up half-settled.
	if err := s.ledger.Transfer(ctx, listing.BatchID, s.escrow, buyer, quantity); err != nil {
		if revErr := s.funds.Settle(ctx, payments.Reverse(legs)); revErr != nil {
			s.logger.Error("failed to reverse settlement after transfer failure",
				zap.Int64("listing_id", listingID), zap.Error(revErr))
		}
		return nil, err
	}

	s.mu.Lock()
	listing.Quantity -= quantity
	if listing.Quantity == 0 {
		listing.Active = false
	}
	s.mu.Unlock()

	receipt := &PurchaseReceipt{
		ListingID:    listingID,
		BatchID:      listing.BatchID,
		Buyer:        buyer,
		Seller:       listing.Seller,
		Quantity:     quantity,
		UnitPrice:    listing.UnitPrice,
		TotalPrice:   totalPrice,
		PlatformFee:  fee,
		SellerPayout: totalPrice - fee,
		Overpayment:  paymentAmount - totalPrice,
		PurchasedAt:  now,
	}

	s.emit(ctx, audit.NewEvent(buyer, "marketplace.listing", listingID, "purchase", receipt))
	return receipt, nil
}

func (s *marketplaceService) CancelListing(ctx context.Context, listingID int64, caller uuid.UUID) error {
	lock := s.listingLock(listingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	listing, ok := s.listings[listingID]
	s.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("listing %d not found", listingID)
	}
	if caller != listing.Seller {
		return apperrors.NotAuthorized("only the seller may cancel listing %d", listingID)
	}
	if !listing.Active {
		return apperrors.StateConflict("listing %d is no longer active", listingID)
	}

	if err := s.ledger.Transfer(ctx, listing.BatchID, s.escrow, listing.Seller, listing.Quantity); err != nil {
		return err
	}

	s.mu.Lock()
	listing.Active = false
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(caller, "marketplace.listing", listingID, "cancel", map[string]interface{}{
		"returned_quantity": listing.Quantity,
	}))
	return nil
}

// ExpireListing releases escrow back to the seller once the listing's
// expiry has passed. Callable by anyone, so escrow is never stranded
// behind an absent seller.
func (s *marketplaceService) ExpireListing(ctx context.Context, listingID int64) error {
	lock := s.listingLock(listingID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	listing, ok := s.listings[listingID]
	s.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("listing %d not found", listingID)
	}
	if !listing.Active {
		return apperrors.StateConflict("listing %d is no longer active", listingID)
	}
	if !listing.Expired(time.Now()) {
		return apperrors.StateConflict("listing %d has not expired yet", listingID)
	}

	if err := s.ledger.Transfer(ctx, listing.BatchID, s.escrow, listing.Seller, listing.Quantity); err != nil {
		return err
	}

	s.mu.Lock()
	listing.Active = false
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(listing.Seller, "marketplace.listing", listingID, "expire", map[string]interface{}{
		"returned_quantity": listing.Quantity,
	}))
	return nil
}

func (s *marketplaceService) CreateAuction(ctx context.Context, batchID int64, seller uuid.UUID, quantity, startingPrice int64, duration time.Duration) (*Auction, error) {
	if seller == uuid.Nil {
		return nil, apperrors.Validation("seller identity is required")
	}
	if quantity <= 0 {
		return nil, apperrors.Validation("auction quantity must be positive, got %d", quantity)
	}
	if startingPrice <= 0 {
		return nil, apperrors.Validation("starting price must be positive, got %d", startingPrice)
	}
	if duration < s.cfg.MinAuctionDuration || duration > s.cfg.MaxAuctionDuration {
		return nil, apperrors.Validation("auction duration %s outside [%s, %s]",
			duration, s.cfg.MinAuctionDuration, s.cfg.MaxAuctionDuration)
	}
	if _, err := s.requireActiveBatch(ctx, batchID); err != nil {
		return nil, err
	}

	if err := s.ledger.Transfer(ctx, batchID, seller, s.escrow, quantity); err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.nextAuctionID++
	auction := &Auction{
		ID:            s.nextAuctionID,
		BatchID:       batchID,
		Seller:        seller,
		Quantity:      quantity,
		StartingPrice: startingPrice,
		FeeRateBps:    s.feeRateBps,
		StartTime:     now,
		EndTime:       now.Add(duration),
		Active:        true,
	}
	s.auctions[auction.ID] = auction
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(seller, "marketplace.auction", auction.ID, "create", auction))
	s.logger.Info("created auction",
		zap.Int64("auction_id", auction.ID),
		zap.Int64("batch_id", batchID),
		zap.Int64("quantity", quantity),
		zap.Int64("starting_price", startingPrice))

	out := *auction
	return &out, nil
}

func (s *marketplaceService) PlaceBid(ctx context.Context, auctionID int64, bidder uuid.UUID, bidAmount int64) error {
	if bidder == uuid.Nil {
		return apperrors.Validation("bidder identity is required")
	}
	if bidAmount <= 0 {
		return apperrors.Validation("bid amount must be positive, got %d", bidAmount)
	}

	lock := s.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	auction, ok := s.auctions[auctionID]
	s.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("auction %d not found", auctionID)
	}

	now := time.Now()
	if !auction.Active || auction.Finalized {
		return apperrors.StateConflict("auction %d is no longer active", auctionID)
	}
	if auction.Ended(now) {
		return apperrors.Expired("auction %d ended at %s", auctionID, auction.EndTime.Format(time.RFC3339))
	}
	if bidder == auction.Seller {
		return apperrors.Validation("seller cannot bid on own auction")
	}
	if auction.HighestBidder == nil {
		if bidAmount < auction.StartingPrice {
			return apperrors.Validation("bid %d below starting price %d", bidAmount, auction.StartingPrice)
		}
	} else if bidAmount <= auction.HighestBid {
		return apperrors.Validation("bid %d does not exceed current highest bid %d", bidAmount, auction.HighestBid)
	}

	// The outbid refund and the new escrow debit settle as one atomic
	// unit, so there is never a moment with two outstanding bids.
	legs := []payments.Leg{{From: bidder, To: s.escrow, Amount: bidAmount, Memo: "auction bid"}}
	if auction.HighestBidder != nil {
		legs = append([]payments.Leg{{
			From: s.escrow, To: *auction.HighestBidder, Amount: auction.HighestBid, Memo: "outbid refund",
		}}, legs...)
	}
	if err := s.funds.Settle(ctx, legs); err != nil {
		return err
	}

	s.mu.Lock()
	auction.HighestBid = bidAmount
	b := bidder
	auction.HighestBidder = &b
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(bidder, "marketplace.auction", auctionID, "bid", map[string]interface{}{
		"bid_amount": bidAmount,
	}))
	return nil
}

func (s *marketplaceService) FinalizeAuction(ctx context.Context, auctionID int64) (*AuctionSettlement, error) {
	lock := s.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	auction, ok := s.auctions[auctionID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("auction %d not found", auctionID)
	}

	now := time.Now()
	if auction.Finalized {
		return nil, apperrors.StateConflict("auction %d is already finalized", auctionID)
	}
	if !auction.Ended(now) {
		return nil, apperrors.StateConflict("auction %d runs until %s", auctionID, auction.EndTime.Format(time.RFC3339))
	}

	settlement := &AuctionSettlement{
		AuctionID:   auctionID,
		BatchID:     auction.BatchID,
		FinalizedAt: now,
	}

	batchTradable := true
	if _, err := s.requireActiveBatch(ctx, auction.BatchID); err != nil {
		batchTradable = false
	}

	if auction.HighestBidder != nil && batchTradable {
		fee := platformFee(auction.HighestBid, auction.FeeRateBps)
		legs := []payments.Leg{
			{From: s.escrow, To: auction.Seller, Amount: auction.HighestBid - fee, Memo: "auction sale"},
			{From: s.escrow, To: s.cfg.FeeRecipient, Amount: fee, Memo: "platform fee"},
		}
		if err := s.funds.Settle(ctx, legs); err != nil {
			return nil, err
		}
		if err := s.ledger.Transfer(ctx, auction.BatchID, s.escrow, *auction.HighestBidder, auction.Quantity); err != nil {
			if revErr := s.funds.Settle(ctx, payments.Reverse(legs)); revErr != nil {
				s.logger.Error("failed to reverse settlement after transfer failure",
					zap.Int64("auction_id", auctionID), zap.Error(revErr))
			}
			return nil, err
		}
		settlement.Winner = auction.HighestBidder
		settlement.SalePrice = auction.HighestBid
		settlement.PlatformFee = fee
		settlement.SellerPayout = auction.HighestBid - fee
		settlement.QuantitySold = auction.Quantity
	} else {
		// No sale: refund the outstanding bid, if any, and hand the
		// escrowed quantity back to the seller.
		if auction.HighestBidder != nil {
			refund := []payments.Leg{{From: s.escrow, To: *auction.HighestBidder, Amount: auction.HighestBid, Memo: "auction refund"}}
			if err := s.funds.Settle(ctx, refund); err != nil {
				return nil, err
			}
		}
		if err := s.ledger.Transfer(ctx, auction.BatchID, s.escrow, auction.Seller, auction.Quantity); err != nil {
			return nil, err
		}
		settlement.QuantityReturned = auction.Quantity
	}

	s.mu.Lock()
	auction.Finalized = true
	auction.Active = false
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(auction.Seller, "marketplace.auction", auctionID, "finalize", settlement))
	s.logger.Info("finalized auction",
		zap.Int64("auction_id", auctionID),
		zap.Int64("sale_price", settlement.SalePrice),
		zap.Int64("quantity_sold", settlement.QuantitySold))

	return settlement, nil
}

func (s *marketplaceService) ActiveListings(ctx context.Context) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []Listing
	for _, listing := range s.listings {
		if listing.Active && !listing.Expired(now) {
			out = append(out, *listing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *marketplaceService) ActiveAuctions(ctx context.Context) ([]Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []Auction
	for _, auction := range s.auctions {
		if auction.Active && !auction.Ended(now) {
			out = append(out, *auction)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *marketplaceService) ListingsBySeller(ctx context.Context, seller uuid.UUID) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Listing
	for _, listing := range s.listings {
		if listing.Seller == seller {
			out = append(out, *listing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EndedUnfinalizedAuctions lists auctions awaiting settlement; used by
// the settlement worker.
func (s *marketplaceService) EndedUnfinalizedAuctions(ctx context.Context) []Auction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []Auction
	for _, auction := range s.auctions {
		if !auction.Finalized && auction.Ended(now) {
			out = append(out, *auction)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExpiredActiveListings lists listings whose escrow awaits release;
// used by the settlement worker.
func (s *marketplaceService) ExpiredActiveListings(ctx context.Context) []Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []Listing
	for _, listing := range s.listings {
		if listing.Active && listing.Expired(now) {
			out = append(out, *listing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
