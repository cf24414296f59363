package verification

import (
	"time"

	"github.com/google/uuid"

	"carbon-exchange/registry/registry-backend/pkg/workflows"
)

// RequestStatus represents the lifecycle status of a verification request
type RequestStatus string

const (
	RequestStatusPending       RequestStatus = "pending"
	RequestStatusAIVerified    RequestStatus = "ai_verified"
	RequestStatusHumanVerified RequestStatus = "human_verified"
	RequestStatusCompleted     RequestStatus = "completed"
	RequestStatusRejected      RequestStatus = "rejected"
)

// RequestTransitions builds the allowed status transition table.
// Terminal states are final.
func RequestTransitions() *workflows.StateMachine {
	return workflows.New(map[string][]string{
		string(RequestStatusPending): {
			string(RequestStatusAIVerified),
			string(RequestStatusHumanVerified),
			string(RequestStatusCompleted),
			string(RequestStatusRejected),
		},
		string(RequestStatusAIVerified): {
			string(RequestStatusCompleted),
			string(RequestStatusRejected),
		},
		string(RequestStatusHumanVerified): {
			string(RequestStatusCompleted),
			string(RequestStatusRejected),
		},
		string(RequestStatusCompleted): {},
		string(RequestStatusRejected):  {},
	})
}

// EmissionRecord is the minimal evidentiary unit behind a claim.
// Immutable once created except for the verified flag.
type EmissionRecord struct {
	ID          int64     `json:"id" gorm:"primary_key"`
	SensorID    string    `json:"sensor_id" gorm:"not null;index"`
	Reading     float64   `json:"reading" gorm:"not null"` // tCO2e equivalent measured
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	EvidenceRef string    `json:"evidence_ref" gorm:"not null"`
	Verified    bool      `json:"verified" gorm:"default:false"`
	Submitter   uuid.UUID `json:"submitter" gorm:"type:uuid;not null;index"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// VerificationRequest is a claim, backed by evidence records, that a
// project achieved a CO2-equivalent reduction, awaiting authorization
// to mint.
type VerificationRequest struct {
	ID            int64         `json:"id" gorm:"primary_key"`
	ProjectID     string        `json:"project_id" gorm:"not null;index"`
	RecordIDs     []int64       `json:"record_ids" gorm:"-"`
	Methodology   string        `json:"methodology" gorm:"not null"`
	CO2Equivalent int64         `json:"co2_equivalent" gorm:"not null"`
	Quantity      int64         `json:"quantity" gorm:"not null"` // credits to mint on approval
	Submitter     uuid.UUID     `json:"submitter" gorm:"type:uuid;not null"`
	EvidenceRef   string        `json:"evidence_ref" gorm:"not null"`
	Status        RequestStatus `json:"status" gorm:"default:'pending';index"`
	Confidence    *int          `json:"confidence"` // nil until scored
	AnalysisRef   string        `json:"analysis_ref"`
	ReviewerID    *uuid.UUID    `json:"reviewer_id" gorm:"type:uuid"`
	ReviewNote    string        `json:"review_note"`
	MintedBatchID *int64        `json:"minted_batch_id"`
	CreatedAt     time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsTerminal reports whether the request reached a final state
func (r *VerificationRequest) IsTerminal() bool {
	return r.Status == RequestStatusCompleted || r.Status == RequestStatusRejected
}

// Stats aggregates scoring outcomes for operational visibility
type Stats struct {
	TotalRecords  int64 `json:"total_records"`
	TotalRequests int64 `json:"total_requests"`
	TotalScored   int64 `json:"total_scored"`
	AutoApproved  int64 `json:"auto_approved"`
	AutoRejected  int64 `json:"auto_rejected"`
	Escalated     int64 `json:"escalated"`
	HumanApproved int64 `json:"human_approved"`
	HumanRejected int64 `json:"human_rejected"`
}
