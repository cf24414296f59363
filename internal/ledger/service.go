package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
	"carbon-exchange/registry/registry-backend/pkg/workflows"
)

// Service owns credit batch records and per-owner balances. Every
// mutation is atomic: validation happens fully before any state
// change, and concurrent operations on the same batch are serialized.
type Service interface {
	Mint(ctx context.Context, actx authz.Context, req MintRequest) (*CreditBatch, error)
	Verify(ctx context.Context, actx authz.Context, batchID int64, verifierID uuid.UUID) error
	Activate(ctx context.Context, actx authz.Context, batchID int64) error
	Transfer(ctx context.Context, batchID int64, from, to uuid.UUID, quantity int64) error
	Retire(ctx context.Context, batchID int64, owner uuid.UUID, quantity int64, reason string) (*RetirementCertificate, error)
	Cancel(ctx context.Context, actx authz.Context, batchID int64, reason string) error

	GetBatch(ctx context.Context, batchID int64) (*CreditBatch, error)
	GetBalance(ctx context.Context, owner uuid.UUID, batchID int64) (int64, error)
	ListActiveBatches(ctx context.Context) ([]CreditBatch, error)
	ListBatchesForOwner(ctx context.Context, owner uuid.UUID) ([]CreditBatch, error)
	ListCertificates(ctx context.Context, owner uuid.UUID) ([]RetirementCertificate, error)
}

type creditLedger struct {
	logger      *zap.Logger
	auditSink   audit.Sink
	transitions *workflows.StateMachine

	// custodian may return held units to owners even after a batch
	// left the active state, so escrow is never stranded.
	custodian uuid.UUID

	mu           sync.RWMutex
	batches      map[int64]*CreditBatch
	balances     map[int64]map[uuid.UUID]int64
	openProjects map[string]int64
	certificates []RetirementCertificate
	nextID       int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService creates the credit ledger
func NewService(auditSink audit.Sink, logger *zap.Logger) Service {
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &creditLedger{
		logger:       logger,
		auditSink:    auditSink,
		transitions:  BatchTransitions(),
		batches:      make(map[int64]*CreditBatch),
		balances:     make(map[int64]map[uuid.UUID]int64),
		openProjects: make(map[string]int64),
		locks:        make(map[int64]*sync.Mutex),
	}
}

// NewServiceWithCustodian creates the ledger with a custody account
// (the marketplace escrow account) that may release holdings back to
// owners after a batch expires or is cancelled.
func NewServiceWithCustodian(auditSink audit.Sink, logger *zap.Logger, custodian uuid.UUID) Service {
	s := NewService(auditSink, logger).(*creditLedger)
	s.custodian = custodian
	return s
}

// batchLock serializes operations against a single batch without
// blocking operations against other batches.
func (s *creditLedger) batchLock(batchID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[batchID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[batchID] = l
	}
	return l
}

func (s *creditLedger) emit(ctx context.Context, event audit.Event) {
	if err := s.auditSink.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("entity", event.Entity),
			zap.Int64("entity_id", event.EntityID),
			zap.String("action", event.Action),
			zap.Error(err))
	}
}

func (s *creditLedger) Mint(ctx context.Context, actx authz.Context, req MintRequest) (*CreditBatch, error) {
	if err := actx.Require(authz.CapMint); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, apperrors.Validation("project id is required")
	}
	if req.Methodology == "" {
		return nil, apperrors.Validation("methodology is required")
	}
	if req.Quantity <= 0 {
		return nil, apperrors.Validation("quantity must be positive, got %d", req.Quantity)
	}
	if req.CO2Equivalent <= 0 {
		return nil, apperrors.Validation("co2 equivalent must be positive, got %d", req.CO2Equivalent)
	}
	if req.EvidenceRef == "" {
		return nil, apperrors.Validation("evidence reference is required")
	}
	if req.Issuer == uuid.Nil {
		return nil, apperrors.Validation("issuer identity is required")
	}
	now := time.Now()
	if !req.ExpiresAt.After(now) {
		return nil, apperrors.Validation("expiration must be in the future")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if openID, ok := s.openProjects[req.ProjectID]; ok {
		open := s.batches[openID]
		if open != nil && !open.IsTerminal(now) {
			return nil, apperrors.DuplicateProject("project %s already has open batch %d", req.ProjectID, openID)
		}
		delete(s.openProjects, req.ProjectID)
	}

	s.nextID++
	batch := &CreditBatch{
		ID:                s.nextID,
		ProjectID:         req.ProjectID,
		Methodology:       req.Methodology,
		CO2Equivalent:     req.CO2Equivalent,
		TotalQuantity:     req.Quantity,
		AvailableQuantity: req.Quantity,
		CreatedAt:         now,
		ExpiresAt:         req.ExpiresAt,
		EvidenceRef:       req.EvidenceRef,
		Issuer:            req.Issuer,
		Status:            BatchStatusPending,
	}
	s.batches[batch.ID] = batch
	s.balances[batch.ID] = map[uuid.UUID]int64{req.Issuer: req.Quantity}
	s.openProjects[req.ProjectID] = batch.ID

	s.emit(ctx, audit.NewEvent(actx.Actor, "ledger.batch", batch.ID, "mint", batch))
	s.logger.Info("minted credit batch",
		zap.Int64("batch_id", batch.ID),
		zap.String("project_id", batch.ProjectID),
		zap.Int64("quantity", batch.TotalQuantity))

	out := *batch
	return &out, nil
}

func (s *creditLedger) Verify(ctx context.Context, actx authz.Context, batchID int64, verifierID uuid.UUID) error {
	if err := actx.Require(authz.CapVerify); err != nil {
		return err
	}
	if verifierID == uuid.Nil {
		return apperrors.Validation("verifier identity is required")
	}

	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch %d not found", batchID)
	}
	if !s.transitions.CanTransition(string(batch.Status), string(BatchStatusVerified)) {
		return apperrors.StateConflict("batch %d is %s, expected %s", batchID, batch.Status, BatchStatusPending)
	}

	batch.Status = BatchStatusVerified
	batch.VerifierID = &verifierID

	s.emit(ctx, audit.NewEvent(actx.Actor, "ledger.batch", batchID, "verify", map[string]interface{}{"verifier_id": verifierID}))
	return nil
}

func (s *creditLedger) Activate(ctx context.Context, actx authz.Context, batchID int64) error {
	if err := actx.Require(authz.CapVerify); err != nil {
		return err
	}

	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch %d not found", batchID)
	}
	if !s.transitions.CanTransition(string(batch.Status), string(BatchStatusActive)) {
		return apperrors.StateConflict("batch %d is %s, expected %s", batchID, batch.Status, BatchStatusVerified)
	}

	batch.Status = BatchStatusActive
	s.emit(ctx, audit.NewEvent(actx.Actor, "ledger.batch", batchID, "activate", nil))
	return nil
}

func (s *creditLedger) Transfer(ctx context.Context, batchID int64, from, to uuid.UUID, quantity int64) error {
	if quantity <= 0 {
		return apperrors.Validation("transfer quantity must be positive, got %d", quantity)
	}
	if to == uuid.Nil {
		return apperrors.Validation("transfer recipient is required")
	}
	if from == uuid.Nil {
		return apperrors.Validation("transfer sender is required")
	}
	if from == to {
		return apperrors.Validation("cannot transfer to self")
	}

	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch %d not found", batchID)
	}
	now := time.Now()
	status := batch.EffectiveStatus(now)
	if status != BatchStatusActive {
		// Custody return stays possible once a batch leaves circulation,
		// otherwise escrowed units would be stranded.
		custodyReturn := s.custodian != uuid.Nil && from == s.custodian &&
			(status == BatchStatusExpired || status == BatchStatusCancelled)
		if !custodyReturn {
			return apperrors.StateConflict("batch %d is %s, transfers require %s", batchID, status, BatchStatusActive)
		}
	}

	holders := s.balances[batchID]
	if holders[from] < quantity {
		return apperrors.InsufficientBalance("owner %s holds %d of batch %d, needs %d", from, holders[from], batchID, quantity)
	}

	holders[from] -= quantity
	holders[to] += quantity
	if holders[from] == 0 {
		delete(holders, from)
	}

	s.emit(ctx, audit.NewEvent(from, "ledger.batch", batchID, "transfer", map[string]interface{}{
		"from":     from,
		"to":       to,
		"quantity": quantity,
	}))
	return nil
}

func (s *creditLedger) Retire(ctx context.Context, batchID int64, owner uuid.UUID, quantity int64, reason string) (*RetirementCertificate, error) {
	if quantity <= 0 {
		return nil, apperrors.Validation("retirement quantity must be positive, got %d", quantity)
	}
	if owner == uuid.Nil {
		return nil, apperrors.Validation("owner identity is required")
	}

	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.NotFound("batch %d not found", batchID)
	}
	now := time.Now()
	if now.After(batch.ExpiresAt) {
		return nil, apperrors.Expired("batch %d expired at %s", batchID, batch.ExpiresAt.Format(time.RFC3339))
	}
	if batch.Status != BatchStatusActive && batch.Status != BatchStatusVerified {
		return nil, apperrors.StateConflict("batch %d is %s, retirement requires %s or %s",
			batchID, batch.Status, BatchStatusActive, BatchStatusVerified)
	}

	holders := s.balances[batchID]
	if holders[owner] < quantity {
		return nil, apperrors.InsufficientBalance("owner %s holds %d of batch %d, needs %d", owner, holders[owner], batchID, quantity)
	}

	holders[owner] -= quantity
	if holders[owner] == 0 {
		delete(holders, owner)
	}
	batch.AvailableQuantity -= quantity
	if batch.AvailableQuantity == 0 {
		batch.Status = BatchStatusRetired
	}

	cert := RetirementCertificate{
		ID:        uuid.New(),
		BatchID:   batchID,
		ProjectID: batch.ProjectID,
		Owner:     owner,
		Quantity:  quantity,
		Reason:    reason,
		RetiredAt: now,
	}
	s.certificates = append(s.certificates, cert)

	s.emit(ctx, audit.NewEvent(owner, "ledger.batch", batchID, "retire", cert))
	s.logger.Info("retired credits",
		zap.Int64("batch_id", batchID),
		zap.Int64("quantity", quantity),
		zap.Int64("remaining", batch.AvailableQuantity))

	out := cert
	return &out, nil
}

func (s *creditLedger) Cancel(ctx context.Context, actx authz.Context, batchID int64, reason string) error {
	if err := actx.Require(authz.CapAdmin); err != nil {
		return err
	}

	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch %d not found", batchID)
	}
	status := batch.EffectiveStatus(time.Now())
	if !s.transitions.CanTransition(string(status), string(BatchStatusCancelled)) {
		return apperrors.StateConflict("batch %d is already %s", batchID, status)
	}

	batch.Status = BatchStatusCancelled
	batch.CancelReason = &reason

	s.emit(ctx, audit.NewEvent(actx.Actor, "ledger.batch", batchID, "cancel", map[string]interface{}{"reason": reason}))
	return nil
}

func (s *creditLedger) GetBatch(ctx context.Context, batchID int64) (*CreditBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, apperrors.NotFound("batch %d not found", batchID)
	}
	out := *batch
	out.Status = batch.EffectiveStatus(time.Now())
	return &out, nil
}

func (s *creditLedger) GetBalance(ctx context.Context, owner uuid.UUID, batchID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.batches[batchID]; !ok {
		return 0, apperrors.NotFound("batch %d not found", batchID)
	}
	return s.balances[batchID][owner], nil
}

func (s *creditLedger) ListActiveBatches(ctx context.Context) ([]CreditBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []CreditBatch
	for _, batch := range s.batches {
		if batch.EffectiveStatus(now) == BatchStatusActive {
			b := *batch
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *creditLedger) ListBatchesForOwner(ctx context.Context, owner uuid.UUID) ([]CreditBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []CreditBatch
	for batchID, holders := range s.balances {
		if holders[owner] > 0 {
			b := *s.batches[batchID]
			b.Status = s.batches[batchID].EffectiveStatus(now)
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *creditLedger) ListCertificates(ctx context.Context, owner uuid.UUID) ([]RetirementCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RetirementCertificate
	for _, cert := range s.certificates {
		if cert.Owner == owner {
			out = append(out, cert)
		}
	}
	return out, nil
}
