package ledger

import (
	"time"

	"github.com/google/uuid"

	"carbon-exchange/registry/registry-backend/pkg/workflows"
)

// BatchStatus represents the lifecycle status of a credit batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusVerified  BatchStatus = "verified"
	BatchStatusActive    BatchStatus = "active"
	BatchStatusRetired   BatchStatus = "retired"
	BatchStatusExpired   BatchStatus = "expired"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// BatchTransitions builds the allowed status transition table. Cancel
// is reachable from every non-terminal status; all transitions are
// one-directional.
func BatchTransitions() *workflows.StateMachine {
	return workflows.New(map[string][]string{
		string(BatchStatusPending):   {string(BatchStatusVerified), string(BatchStatusCancelled)},
		string(BatchStatusVerified):  {string(BatchStatusActive), string(BatchStatusRetired), string(BatchStatusCancelled)},
		string(BatchStatusActive):    {string(BatchStatusRetired), string(BatchStatusExpired), string(BatchStatusCancelled)},
		string(BatchStatusRetired):   {},
		string(BatchStatusExpired):   {},
		string(BatchStatusCancelled): {},
	})
}

// CreditBatch represents one issuance event for a project. Credit
// units inside a batch are interchangeable; per-owner holdings live in
// the balance relation, not here.
type CreditBatch struct {
	ID                int64       `json:"id" gorm:"primary_key"`
	ProjectID         string      `json:"project_id" gorm:"not null;index"`
	Methodology       string      `json:"methodology" gorm:"not null;index"` // 'VM0007', 'VM0015', etc.
	CO2Equivalent     int64       `json:"co2_equivalent" gorm:"not null"`
	TotalQuantity     int64       `json:"total_quantity" gorm:"not null"`
	AvailableQuantity int64       `json:"available_quantity" gorm:"not null"`
	CreatedAt         time.Time   `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt         time.Time   `json:"expires_at" gorm:"not null;index"`
	EvidenceRef       string      `json:"evidence_ref" gorm:"not null"`
	Issuer            uuid.UUID   `json:"issuer" gorm:"type:uuid;not null"`
	VerifierID        *uuid.UUID  `json:"verifier_id" gorm:"type:uuid"`
	Status            BatchStatus `json:"status" gorm:"default:'pending';index"`
	CancelReason      *string     `json:"cancel_reason"`
}

// EffectiveStatus recomputes expiry on read. A batch stored as active
// whose expiration has passed reads as expired; the stored status is
// never trusted on its own.
func (b *CreditBatch) EffectiveStatus(now time.Time) BatchStatus {
	if b.Status == BatchStatusActive && now.After(b.ExpiresAt) {
		return BatchStatusExpired
	}
	return b.Status
}

// IsTerminal reports whether the batch can still change state
func (b *CreditBatch) IsTerminal(now time.Time) bool {
	switch b.EffectiveStatus(now) {
	case BatchStatusRetired, BatchStatusExpired, BatchStatusCancelled:
		return true
	}
	return false
}

// MintRequest carries the parameters of a single issuance
type MintRequest struct {
	ProjectID     string    `json:"project_id"`
	Methodology   string    `json:"methodology"`
	CO2Equivalent int64     `json:"co2_equivalent"`
	Quantity      int64     `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
	EvidenceRef   string    `json:"evidence_ref"`
	Issuer        uuid.UUID `json:"issuer"`
}

// RetirementCertificate records a permanent removal of credit units
// from circulation, representing a claimed offset.
type RetirementCertificate struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	BatchID   int64     `json:"batch_id" gorm:"not null;index"`
	ProjectID string    `json:"project_id" gorm:"not null"`
	Owner     uuid.UUID `json:"owner" gorm:"type:uuid;not null;index"`
	Quantity  int64     `json:"quantity" gorm:"not null"`
	Reason    string    `json:"reason"`
	RetiredAt time.Time `json:"retired_at" gorm:"autoCreateTime"`
}
