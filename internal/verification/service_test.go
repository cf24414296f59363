package verification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
	"carbon-exchange/registry/registry-backend/internal/ledger"
	"carbon-exchange/registry/registry-backend/pkg/apperrors"
	"carbon-exchange/registry/registry-backend/pkg/authz"
)

// MockMinter is a mock implementation of the Minter interface
type MockMinter struct {
	mock.Mock
}

func (m *MockMinter) Mint(ctx context.Context, actx authz.Context, req ledger.MintRequest) (*ledger.CreditBatch, error) {
	args := m.Called(ctx, actx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditBatch), args.Error(1)
}

func newTestWorkflow(t *testing.T, minter Minter) Service {
	t.Helper()
	svc, err := NewService(minter, Config{
		HighThreshold:  90,
		LowThreshold:   60,
		CreditValidity: 24 * time.Hour,
	}, audit.NewMemorySink(), zap.NewNop())
	require.NoError(t, err)
	return svc
}

func submitRecord(t *testing.T, svc Service, submitter uuid.UUID) *EmissionRecord {
	t.Helper()
	record, err := svc.SubmitEmissionRecord(context.Background(), SubmitRecordRequest{
		SensorID:    "sensor-7",
		Reading:     412.5,
		Location:    "13.4050,52.5200",
		EvidenceRef: "evidence/r1",
		Submitter:   submitter,
	})
	require.NoError(t, err)
	return record
}

func submitRequest(t *testing.T, svc Service, projectID string, submitter uuid.UUID) *VerificationRequest {
	t.Helper()
	record := submitRecord(t, svc, submitter)
	request, err := svc.RequestVerification(context.Background(), SubmitVerificationRequest{
		ProjectID:     projectID,
		RecordIDs:     []int64{record.ID},
		Methodology:   "VM0042",
		CO2Equivalent: 500,
		EvidenceRef:   "evidence/req",
		Requester:     submitter,
	})
	require.NoError(t, err)
	return request
}

func TestSubmitEmissionRecordValidation(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	ctx := context.Background()
	submitter := uuid.New()

	base := SubmitRecordRequest{
		SensorID:    "sensor-7",
		Reading:     412.5,
		Location:    "13.4050,52.5200",
		EvidenceRef: "evidence/r1",
		Submitter:   submitter,
	}

	tests := []struct {
		name   string
		mutate func(*SubmitRecordRequest)
	}{
		{"missing sensor", func(r *SubmitRecordRequest) { r.SensorID = "" }},
		{"zero reading", func(r *SubmitRecordRequest) { r.Reading = 0 }},
		{"missing evidence", func(r *SubmitRecordRequest) { r.EvidenceRef = "" }},
		{"missing submitter", func(r *SubmitRecordRequest) { r.Submitter = uuid.Nil }},
		{"malformed location", func(r *SubmitRecordRequest) { r.Location = "not-a-point" }},
		{"latitude out of range", func(r *SubmitRecordRequest) { r.Location = "13.4050,92.0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := svc.SubmitEmissionRecord(ctx, req)
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
		})
	}

	record, err := svc.SubmitEmissionRecord(ctx, base)
	require.NoError(t, err)
	assert.InDelta(t, 13.4050, record.Longitude, 1e-9)
	assert.InDelta(t, 52.5200, record.Latitude, 1e-9)
	assert.False(t, record.Verified)
}

func TestRequestVerificationRejectsUnknownRecords(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})

	_, err := svc.RequestVerification(context.Background(), SubmitVerificationRequest{
		ProjectID:     "proj-1",
		RecordIDs:     []int64{999},
		Methodology:   "VM0042",
		CO2Equivalent: 500,
		EvidenceRef:   "evidence/req",
		Requester:     uuid.New(),
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestRequestVerificationRejectsDuplicateOpenProject(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	submitter := uuid.New()

	submitRequest(t, svc, "proj-dup", submitter)

	record := submitRecord(t, svc, submitter)
	_, err := svc.RequestVerification(context.Background(), SubmitVerificationRequest{
		ProjectID:     "proj-dup",
		RecordIDs:     []int64{record.ID},
		Methodology:   "VM0042",
		CO2Equivalent: 100,
		EvidenceRef:   "evidence/req2",
		Requester:     submitter,
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindDuplicateProject))
}

func TestSubmitScoreHighConfidenceMints(t *testing.T) {
	minter := &MockMinter{}
	svc := newTestWorkflow(t, minter)
	ctx := context.Background()
	submitter := uuid.New()
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)

	request := submitRequest(t, svc, "proj-hi", submitter)

	batch := &ledger.CreditBatch{ID: 42}
	minter.On("Mint", mock.Anything, mock.Anything, mock.MatchedBy(func(req ledger.MintRequest) bool {
		return req.ProjectID == "proj-hi" && req.Quantity == 500 && req.Issuer == submitter
	})).Return(batch, nil).Once()

	scored, err := svc.SubmitScore(ctx, oracle, request.ID, 90, "analysis/1")
	require.NoError(t, err)

	assert.Equal(t, RequestStatusCompleted, scored.Status)
	require.NotNil(t, scored.MintedBatchID)
	assert.Equal(t, int64(42), *scored.MintedBatchID)
	minter.AssertExpectations(t)

	// Evidence records got flagged as verified.
	record, err := svc.GetRecord(ctx, request.RecordIDs[0])
	require.NoError(t, err)
	assert.True(t, record.Verified)

	stats := svc.Statistics(ctx)
	assert.Equal(t, int64(1), stats.AutoApproved)
}

func TestSubmitScoreThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		confidence int
		status     RequestStatus
		mints      bool
	}{
		{"at high threshold approves", 90, RequestStatusCompleted, true},
		{"just below high escalates", 89, RequestStatusAIVerified, false},
		{"at low threshold escalates", 60, RequestStatusAIVerified, false},
		{"just below low rejects", 59, RequestStatusRejected, false},
		{"zero rejects", 0, RequestStatusRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minter := &MockMinter{}
			svc := newTestWorkflow(t, minter)
			request := submitRequest(t, svc, "proj-b", uuid.New())
			if tt.mints {
				minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
					Return(&ledger.CreditBatch{ID: 1}, nil).Once()
			}

			scored, err := svc.SubmitScore(context.Background(),
				authz.NewContext(uuid.New(), authz.CapOracle), request.ID, tt.confidence, "analysis/b")
			require.NoError(t, err)
			assert.Equal(t, tt.status, scored.Status)
			minter.AssertExpectations(t)
		})
	}
}

func TestSubmitScoreValidatesInput(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)
	request := submitRequest(t, svc, "proj-v", uuid.New())

	_, err := svc.SubmitScore(context.Background(), oracle, request.ID, 101, "a")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	_, err = svc.SubmitScore(context.Background(), oracle, request.ID, -1, "a")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	// Scoring needs the oracle capability.
	_, err = svc.SubmitScore(context.Background(), authz.NewContext(uuid.New(), authz.CapVerify), request.ID, 95, "a")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthorized))
}

func TestSubmitScoreTwiceConflicts(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)
	request := submitRequest(t, svc, "proj-2x", uuid.New())

	_, err := svc.SubmitScore(context.Background(), oracle, request.ID, 70, "a")
	require.NoError(t, err)

	_, err = svc.SubmitScore(context.Background(), oracle, request.ID, 95, "b")
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))
}

func TestSubmitScoreMintFailureLeavesRequestPending(t *testing.T) {
	minter := &MockMinter{}
	svc := newTestWorkflow(t, minter)
	ctx := context.Background()
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)
	request := submitRequest(t, svc, "proj-f", uuid.New())

	minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.DuplicateProject("project proj-f already has open batch 7")).Once()

	_, err := svc.SubmitScore(ctx, oracle, request.ID, 95, "analysis/f")
	assert.True(t, apperrors.IsKind(err, apperrors.KindDuplicateProject))

	// The request stays pending and can be rescored.
	pending, err := svc.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, RequestStatusPending, pending[0].Status)

	minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Return(&ledger.CreditBatch{ID: 8}, nil).Once()
	scored, err := svc.SubmitScore(ctx, oracle, request.ID, 95, "analysis/f2")
	require.NoError(t, err)
	assert.Equal(t, RequestStatusCompleted, scored.Status)
}

func TestHumanReviewApprovesEscalatedRequest(t *testing.T) {
	minter := &MockMinter{}
	svc := newTestWorkflow(t, minter)
	ctx := context.Background()
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)
	verifier := authz.NewContext(uuid.New(), authz.CapVerify)
	reviewer := uuid.New()

	request := submitRequest(t, svc, "proj-h", uuid.New())
	_, err := svc.SubmitScore(ctx, oracle, request.ID, 75, "analysis/h")
	require.NoError(t, err)

	minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Return(&ledger.CreditBatch{ID: 9}, nil).Once()

	reviewed, err := svc.HumanReview(ctx, verifier, request.ID, reviewer, true, "evidence checks out")
	require.NoError(t, err)

	assert.Equal(t, RequestStatusCompleted, reviewed.Status)
	require.NotNil(t, reviewed.ReviewerID)
	assert.Equal(t, reviewer, *reviewed.ReviewerID)
	assert.Equal(t, "evidence checks out", reviewed.ReviewNote)

	stats := svc.Statistics(ctx)
	assert.Equal(t, int64(1), stats.HumanApproved)
	assert.Equal(t, int64(1), stats.Escalated)
}

func TestHumanReviewRejects(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	ctx := context.Background()
	verifier := authz.NewContext(uuid.New(), authz.CapVerify)

	request := submitRequest(t, svc, "proj-hr", uuid.New())

	reviewed, err := svc.HumanReview(ctx, verifier, request.ID, uuid.New(), false, "inconsistent readings")
	require.NoError(t, err)
	assert.Equal(t, RequestStatusRejected, reviewed.Status)
	assert.True(t, reviewed.IsTerminal())

	// A rejected request cannot be reviewed again.
	_, err = svc.HumanReview(ctx, verifier, request.ID, uuid.New(), true, "second look")
	assert.True(t, apperrors.IsKind(err, apperrors.KindStateConflict))
}

func TestHumanReviewFlagsScoreRejectedRequest(t *testing.T) {
	svc := newTestWorkflow(t, &MockMinter{})
	ctx := context.Background()
	oracle := authz.NewContext(uuid.New(), authz.CapOracle)
	verifier := authz.NewContext(uuid.New(), authz.CapVerify)

	request := submitRequest(t, svc, "proj-fr", uuid.New())
	_, err := svc.SubmitScore(ctx, oracle, request.ID, 20, "analysis/fraud")
	require.NoError(t, err)

	// Overriding a low-confidence rejection is treated as a fraud signal.
	_, err = svc.HumanReview(ctx, verifier, request.ID, uuid.New(), true, "looks fine to me")
	assert.True(t, apperrors.IsKind(err, apperrors.KindFraudFlag))
}

func TestHumanReviewMintFailureIsRetryable(t *testing.T) {
	minter := &MockMinter{}
	svc := newTestWorkflow(t, minter)
	ctx := context.Background()
	verifier := authz.NewContext(uuid.New(), authz.CapVerify)

	request := submitRequest(t, svc, "proj-rt", uuid.New())

	minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.Validation("expiration must be in the future")).Once()
	_, err := svc.HumanReview(ctx, verifier, request.ID, uuid.New(), true, "")
	require.Error(t, err)

	minter.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Return(&ledger.CreditBatch{ID: 11}, nil).Once()
	reviewed, err := svc.HumanReview(ctx, verifier, request.ID, uuid.New(), true, "")
	require.NoError(t, err)
	assert.Equal(t, RequestStatusCompleted, reviewed.Status)
}

func TestNewServiceRejectsInvertedThresholds(t *testing.T) {
	_, err := NewService(&MockMinter{}, Config{HighThreshold: 50, LowThreshold: 80}, nil, zap.NewNop())
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestEndToEndAgainstRealLedger(t *testing.T) {
	creditLedger := ledger.NewService(audit.NewMemorySink(), zap.NewNop())
	svc, err := NewService(creditLedger, Config{
		HighThreshold:  90,
		LowThreshold:   60,
		CreditValidity: 24 * time.Hour,
	}, audit.NewMemorySink(), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	submitter := uuid.New()
	request := submitRequest(t, svc, "proj-e2e", submitter)

	scored, err := svc.SubmitScore(ctx, authz.NewContext(uuid.New(), authz.CapOracle), request.ID, 97, "analysis/e2e")
	require.NoError(t, err)
	require.NotNil(t, scored.MintedBatchID)

	batch, err := creditLedger.GetBatch(ctx, *scored.MintedBatchID)
	require.NoError(t, err)
	assert.Equal(t, "proj-e2e", batch.ProjectID)
	assert.Equal(t, int64(500), batch.TotalQuantity)
	assert.Equal(t, ledger.BatchStatusPending, batch.Status)

	balance, err := creditLedger.GetBalance(ctx, submitter, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}
