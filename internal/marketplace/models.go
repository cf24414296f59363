package marketplace

import (
	"time"

	"github.com/google/uuid"
)

// Listing represents a fixed-price offer whose quantity is escrowed
// out of the seller's ledger balance for its entire lifetime.
type Listing struct {
	ID               int64     `json:"id" gorm:"primary_key"`
	BatchID          int64     `json:"batch_id" gorm:"not null;index"`
	Seller           uuid.UUID `json:"seller" gorm:"type:uuid;not null;index"`
	Quantity         int64     `json:"quantity" gorm:"not null"` // remaining, decreases on partial fills
	OriginalQuantity int64     `json:"original_quantity" gorm:"not null"`
	UnitPrice        int64     `json:"unit_price" gorm:"not null"`
	FeeRateBps       int64     `json:"fee_rate_bps" gorm:"not null"` // rate in force at creation
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt        time.Time `json:"expires_at" gorm:"not null;index"`
	Active           bool      `json:"active" gorm:"default:true;index"`
}

// Expired recomputes listing expiry on read
func (l *Listing) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Auction represents a time-boxed ascending-bid sale. The highest bid
// is monotonically non-decreasing while active and at most one bid is
// held in escrow at any time.
type Auction struct {
	ID            int64      `json:"id" gorm:"primary_key"`
	BatchID       int64      `json:"batch_id" gorm:"not null;index"`
	Seller        uuid.UUID  `json:"seller" gorm:"type:uuid;not null;index"`
	Quantity      int64      `json:"quantity" gorm:"not null"`
	StartingPrice int64      `json:"starting_price" gorm:"not null"`
	HighestBid    int64      `json:"highest_bid"`
	HighestBidder *uuid.UUID `json:"highest_bidder" gorm:"type:uuid"`
	FeeRateBps    int64      `json:"fee_rate_bps" gorm:"not null"`
	StartTime     time.Time  `json:"start_time" gorm:"not null"`
	EndTime       time.Time  `json:"end_time" gorm:"not null;index"`
	Active        bool       `json:"active" gorm:"default:true;index"`
	Finalized     bool       `json:"finalized" gorm:"default:false"`
}

// Ended recomputes auction end on read
func (a *Auction) Ended(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// PurchaseReceipt reports the exact money and credit movements of one
// fixed-price fill.
type PurchaseReceipt struct {
	ListingID    int64     `json:"listing_id"`
	BatchID      int64     `json:"batch_id"`
	Buyer        uuid.UUID `json:"buyer"`
	Seller       uuid.UUID `json:"seller"`
	Quantity     int64     `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
	TotalPrice   int64     `json:"total_price"`
	PlatformFee  int64     `json:"platform_fee"`
	SellerPayout int64     `json:"seller_payout"`
	Overpayment  int64     `json:"overpayment"` // never debited, reported back to the buyer
	PurchasedAt  time.Time `json:"purchased_at"`
}

// AuctionSettlement reports the outcome of a finalized auction
type AuctionSettlement struct {
	AuctionID        int64      `json:"auction_id"`
	BatchID          int64      `json:"batch_id"`
	Winner           *uuid.UUID `json:"winner"`
	SalePrice        int64      `json:"sale_price"`
	PlatformFee      int64      `json:"platform_fee"`
	SellerPayout     int64      `json:"seller_payout"`
	QuantitySold     int64      `json:"quantity_sold"`
	QuantityReturned int64      `json:"quantity_returned"` // escrow returned to seller on no-sale
	FinalizedAt      time.Time  `json:"finalized_at"`
}

// platformFee computes floor(total * rateBps / 10000)
func platformFee(total, rateBps int64) int64 {
	return total * rateBps / 10000
}
