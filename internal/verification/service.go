package verification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/internal/ledger"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
	"carbon-exchange/registry/registry-backend/pkg/geospatial"
	"carbon-exchange/registry/registry-backend/pkg/workflows"
)

// Minter is the slice of the ledger the workflow needs: approval of a
// request authorizes exactly one mint.
type Minter interface {
	Mint(ctx context.Context, actx authz.Context, req ledger.MintRequest) (*ledger.CreditBatch, error)
}

// Config holds the workflow's design parameters. The thresholds are
// configuration, not constants: confidence at or above the high
// threshold auto-approves, strictly below the low threshold
// auto-rejects, anything between escalates to a human reviewer.
type Config struct {
	HighThreshold  int
	LowThreshold   int
	CreditValidity time.Duration
}

// SubmitRecordRequest carries a single sensor observation
type SubmitRecordRequest struct {
	SensorID    string    `json:"sensor_id"`
	Reading     float64   `json:"reading"`
	Location    string    `json:"location"` // "lon,lat"
	EvidenceRef string    `json:"evidence_ref"`
	Submitter   uuid.UUID `json:"submitter"`
}

// SubmitVerificationRequest batches evidence records into a claim
type SubmitVerificationRequest struct {
	ProjectID     string    `json:"project_id"`
	RecordIDs     []int64   `json:"record_ids"`
	Methodology   string    `json:"methodology"`
	CO2Equivalent int64     `json:"co2_equivalent"`
	EvidenceRef   string    `json:"evidence_ref"`
	Requester     uuid.UUID `json:"requester"`
}

// Service owns emission evidence and verification requests, and turns
// externally-scored evidence into an authorization to mint.
type Service interface {
	SubmitEmissionRecord(ctx context.Context, req SubmitRecordRequest) (*EmissionRecord, error)
	RequestVerification(ctx context.Context, req SubmitVerificationRequest) (*VerificationRequest, error)
	SubmitScore(ctx context.Context, actx authz.Context, requestID int64, confidence int, analysisRef string) (*VerificationRequest, error)
	HumanReview(ctx context.Context, actx authz.Context, requestID int64, reviewerID uuid.UUID, approve bool, note string) (*VerificationRequest, error)

	GetRecord(ctx context.Context, recordID int64) (*EmissionRecord, error)
	PendingRequests(ctx context.Context) ([]VerificationRequest, error)
	RequestsByProject(ctx context.Context, projectID string) ([]VerificationRequest, error)
	Statistics(ctx context.Context) Stats
}

type workflowService struct {
	logger    *zap.Logger
	auditSink audit.Sink
	minter    Minter
	mintAuthz authz.Context
	cfg       Config

	transitions *workflows.StateMachine

	mu           sync.RWMutex
	records      map[int64]*EmissionRecord
	requests     map[int64]*VerificationRequest
	openProjects map[string]int64
	nextRecordID int64
	nextReqID    int64
	stats        Stats

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService creates the verification workflow
func NewService(minter Minter, cfg Config, auditSink audit.Sink, logger *zap.Logger) (Service, error) {
	if cfg.HighThreshold == 0 && cfg.LowThreshold == 0 {
		cfg.HighThreshold = 90
		cfg.LowThreshold = 60
	}
	if cfg.LowThreshold >= cfg.HighThreshold {
		return nil, apperrors.Validation("low threshold %d must be below high threshold %d", cfg.LowThreshold, cfg.HighThreshold)
	}
	if cfg.CreditValidity == 0 {
		cfg.CreditValidity = 10 * 365 * 24 * time.Hour
	}
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &workflowService{
		logger:       logger,
		auditSink:    auditSink,
		minter:       minter,
		mintAuthz:    authz.System(),
		cfg:          cfg,
		transitions:  RequestTransitions(),
		records:      make(map[int64]*EmissionRecord),
		requests:     make(map[int64]*VerificationRequest),
		openProjects: make(map[string]int64),
		locks:        make(map[int64]*sync.Mutex),
	}, nil
}

func (s *workflowService) requestLock(requestID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[requestID] = l
	}
	return l
}

func (s *workflowService) emit(ctx context.Context, event audit.Event) {
	if err := s.auditSink.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("entity", event.Entity),
			zap.Int64("entity_id", event.EntityID),
			zap.String("action", event.Action),
			zap.Error(err))
	}
}

func (s *workflowService) SubmitEmissionRecord(ctx context.Context, req SubmitRecordRequest) (*EmissionRecord, error) {
	if req.SensorID == "" {
		return nil, apperrors.Validation("sensor id is required")
	}
	if req.Reading <= 0 {
		return nil, apperrors.Validation("reading must be positive, got %f", req.Reading)
	}
	if req.EvidenceRef == "" {
		return nil, apperrors.Validation("evidence reference is required")
	}
	if req.Submitter == uuid.Nil {
		return nil, apperrors.Validation("submitter identity is required")
	}
	point, err := geospatial.ParseLocation(req.Location)
	if err != nil {
		return nil, apperrors.Validation("invalid location").WithCause(err)
	}

	s.mu.Lock()
	s.nextRecordID++
	record := &EmissionRecord{
		ID:          s.nextRecordID,
		SensorID:    req.SensorID,
		Reading:     req.Reading,
		Longitude:   point.Lon(),
		Latitude:    point.Lat(),
		EvidenceRef: req.EvidenceRef,
		Submitter:   req.Submitter,
		CreatedAt:   time.Now(),
	}
	s.records[record.ID] = record
	s.stats.TotalRecords++
	s.mu.Unlock()

	s.emit(ctx, audit.NewEvent(req.Submitter, "verification.record", record.ID, "submit", record))

	out := *record
	return &out, nil
}

func (s *workflowService) RequestVerification(ctx context.Context, req SubmitVerificationRequest) (*VerificationRequest, error) {
	if req.ProjectID == "" {
		return nil, apperrors.Validation("project id is required")
	}
	if len(req.RecordIDs) == 0 {
		return nil, apperrors.Validation("at least one evidence record is required")
	}
	if req.Methodology == "" {
		return nil, apperrors.Validation("methodology is required")
	}
	if req.CO2Equivalent <= 0 {
		return nil, apperrors.Validation("co2 equivalent must be positive, got %d", req.CO2Equivalent)
	}
	if req.EvidenceRef == "" {
		return nil, apperrors.Validation("evidence reference is required")
	}
	if req.Requester == uuid.Nil {
		return nil, apperrors.Validation("requester identity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, recordID := range req.RecordIDs {
		if _, ok := s.records[recordID]; !ok {
			return nil, apperrors.NotFound("emission record %d not found", recordID)
		}
	}
	if openID, ok := s.openProjects[req.ProjectID]; ok {
		open := s.requests[openID]
		if open != nil && !s.transitions.IsTerminal(string(open.Status)) {
			return nil, apperrors.DuplicateProject("project %s already has open request %d", req.ProjectID, openID)
		}
		delete(s.openProjects, req.ProjectID)
	}

	s.nextReqID++
	request := &VerificationRequest{
		ID:            s.nextReqID,
		ProjectID:     req.ProjectID,
		RecordIDs:     append([]int64(nil), req.RecordIDs...),
		Methodology:   req.Methodology,
		CO2Equivalent: req.CO2Equivalent,
		Quantity:      req.CO2Equivalent, // one credit unit per tCO2e claimed
		Submitter:     req.Requester,
		EvidenceRef:   req.EvidenceRef,
		Status:        RequestStatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.requests[request.ID] = request
	s.openProjects[req.ProjectID] = request.ID
	s.stats.TotalRequests++

	s.emit(ctx, audit.NewEvent(req.Requester, "verification.request", request.ID, "create", request))

	out := *request
	return &out, nil
}

// SubmitScore is the external scorer's callback. Confidence at or
// above the high threshold completes the request and mints; strictly
// below the low threshold rejects; anything between escalates to a
// human reviewer.
func (s *workflowService) SubmitScore(ctx context.Context, actx authz.Context, requestID int64, confidence int, analysisRef string) (*VerificationRequest, error) {
	if err := actx.Require(authz.CapOracle); err != nil {
		return nil, err
	}
	if confidence < 0 || confidence > 100 {
		return nil, apperrors.Validation("confidence %d outside [0,100]", confidence)
	}

	lock := s.requestLock(requestID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return nil, apperrors.NotFound("request %d not found", requestID)
	}
	if request.Status != RequestStatusPending {
		return nil, apperrors.StateConflict("request %d is %s, scoring requires %s", requestID, request.Status, RequestStatusPending)
	}

	switch {
	case confidence >= s.cfg.HighThreshold:
		// Mint before committing the terminal status so a failed mint
		// leaves the request untouched and rescorable.
		batch, err := s.mintForRequest(ctx, request)
		if err != nil {
			return nil, err
		}
		request.Confidence = &confidence
		request.AnalysisRef = analysisRef
		request.Status = RequestStatusCompleted
		request.MintedBatchID = &batch.ID
		s.markRecordsVerified(request)
		s.stats.TotalScored++
		s.stats.AutoApproved++
		s.logger.Info("auto-approved verification request",
			zap.Int64("request_id", requestID),
			zap.Int("confidence", confidence),
			zap.Int64("batch_id", batch.ID))

	case confidence < s.cfg.LowThreshold:
		request.Confidence = &confidence
		request.AnalysisRef = analysisRef
		request.Status = RequestStatusRejected
		s.stats.TotalScored++
		s.stats.AutoRejected++
		s.logger.Info("auto-rejected verification request",
			zap.Int64("request_id", requestID),
			zap.Int("confidence", confidence))

	default:
		request.Confidence = &confidence
		request.AnalysisRef = analysisRef
		request.Status = RequestStatusAIVerified
		s.stats.TotalScored++
		s.stats.Escalated++
	}
	request.UpdatedAt = time.Now()

	s.emit(ctx, audit.NewEvent(actx.Actor, "verification.request", requestID, "score", map[string]interface{}{
		"confidence": confidence,
		"status":     request.Status,
	}))

	out := *request
	return &out, nil
}

func (s *workflowService) HumanReview(ctx context.Context, actx authz.Context, requestID int64, reviewerID uuid.UUID, approve bool, note string) (*VerificationRequest, error) {
	if err := actx.Require(authz.CapVerify); err != nil {
		return nil, err
	}
	if reviewerID == uuid.Nil {
		return nil, apperrors.Validation("reviewer identity is required")
	}

	lock := s.requestLock(requestID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return nil, apperrors.NotFound("request %d not found", requestID)
	}
	if request.Status == RequestStatusRejected && request.Confidence != nil && *request.Confidence < s.cfg.LowThreshold {
		return nil, apperrors.FraudFlag("request %d was rejected with confidence %d", requestID, *request.Confidence)
	}
	if request.Status != RequestStatusPending && request.Status != RequestStatusAIVerified {
		return nil, apperrors.StateConflict("request %d is %s, review requires %s or %s",
			requestID, request.Status, RequestStatusPending, RequestStatusAIVerified)
	}

	// A review straight from pending passes through the human-verified
	// state; a review of an escalated request resolves it directly.
	if request.Status == RequestStatusPending {
		request.Status = RequestStatusHumanVerified
	}

	if approve {
		batch, err := s.mintForRequest(ctx, request)
		if err != nil {
			// Roll the transient state back so the review can be retried.
			if request.Status == RequestStatusHumanVerified {
				request.Status = RequestStatusPending
			}
			return nil, err
		}
		request.Status = RequestStatusCompleted
		request.MintedBatchID = &batch.ID
		s.markRecordsVerified(request)
		s.stats.HumanApproved++
	} else {
		request.Status = RequestStatusRejected
		s.stats.HumanRejected++
	}
	request.ReviewerID = &reviewerID
	request.ReviewNote = note
	request.UpdatedAt = time.Now()

	s.emit(ctx, audit.NewEvent(reviewerID, "verification.request", requestID, "review", map[string]interface{}{
		"approve": approve,
		"status":  request.Status,
	}))

	out := *request
	return &out, nil
}

// mintForRequest authorizes issuance with the request's parameters.
// Caller holds both locks.
func (s *workflowService) mintForRequest(ctx context.Context, request *VerificationRequest) (*ledger.CreditBatch, error) {
	return s.minter.Mint(ctx, s.mintAuthz, ledger.MintRequest{
		ProjectID:     request.ProjectID,
		Methodology:   request.Methodology,
		CO2Equivalent: request.CO2Equivalent,
		Quantity:      request.Quantity,
		ExpiresAt:     time.Now().Add(s.cfg.CreditValidity),
		EvidenceRef:   request.EvidenceRef,
		Issuer:        request.Submitter,
	})
}

// markRecordsVerified flags the request's evidence. Caller holds s.mu.
func (s *workflowService) markRecordsVerified(request *VerificationRequest) {
	for _, recordID := range request.RecordIDs {
		if record, ok := s.records[recordID]; ok {
			record.Verified = true
		}
	}
}

func (s *workflowService) GetRecord(ctx context.Context, recordID int64) (*EmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordID]
	if !ok {
		return nil, apperrors.NotFound("emission record %d not found", recordID)
	}
	out := *record
	return &out, nil
}

func (s *workflowService) PendingRequests(ctx context.Context) ([]VerificationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []VerificationRequest
	for _, request := range s.requests {
		if request.Status == RequestStatusPending || request.Status == RequestStatusAIVerified {
			out = append(out, *request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *workflowService) RequestsByProject(ctx context.Context, projectID string) ([]VerificationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []VerificationRequest
	for _, request := range s.requests {
		if request.ProjectID == projectID {
			out = append(out, *request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *workflowService) Statistics(ctx context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
