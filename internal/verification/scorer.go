package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ScoreRequest is what the external scorer receives for one request
type ScoreRequest struct {
	RequestID     int64  `json:"request_id"`
	EvidenceRef   string `json:"evidence_ref"`
	CO2Equivalent int64  `json:"co2_equivalent"`
	Methodology   string `json:"methodology"`
}

// ScoreResult is the scorer's verdict
type ScoreResult struct {
	Confidence  int    `json:"confidence"` // 0-100
	AnalysisRef string `json:"analysis_ref"`
}

// Scorer produces a fraud/confidence score for a verification request.
// The model behind it is external; the core only consumes the score.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

// HTTPScorer calls the fraud-detection service over HTTP
type HTTPScorer struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPScorer(baseURL string, logger *zap.Logger) *HTTPScorer {
	return &HTTPScorer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *HTTPScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var result ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	if result.Confidence < 0 || result.Confidence > 100 {
		return nil, fmt.Errorf("scorer returned confidence %d outside [0,100]", result.Confidence)
	}

	c.logger.Debug("received confidence score",
		zap.Int64("request_id", req.RequestID),
		zap.Int("confidence", result.Confidence))

	return &result, nil
}
