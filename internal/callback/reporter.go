// Package callback posts scan completion notices to an external webhook.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/scanner"
)

const collectorName = "pi-panel"

// Reporter sends completion callbacks for finished scans.
type Reporter struct {
	completeURL string
	apiKey      string
	logger      *zap.SugaredLogger
	client      *http.Client
	sequence    int64 // Monotonic counter for idempotency
}

// Completion represents a scan completion.
type Completion struct {
	ScanID         string  `json:"scan_id"`
	Collector      string  `json:"collector"`
	Sequence       int     `json:"sequence"`
	Method         string  `json:"method"`
	Status         string  `json:"status"` // completed, cancelled
	TargetCount    int     `json:"target_count"`
	ResultCount    int     `json:"result_count"`
	DiscoveryCount int     `json:"discovery_count"`
	RaspberryPis   int     `json:"raspberry_pi_count"`
	DurationSecs   float64 `json:"duration_seconds"`
	Timestamp      string  `json:"timestamp"`
}

// NewReporter creates a new callback reporter.
func NewReporter(completeURL, apiKey string, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		completeURL: completeURL,
		apiKey:      apiKey,
		logger:      logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyComplete sends a completion callback.
func (r *Reporter) NotifyComplete(ctx context.Context, s scanner.Summary) error {
	seq := atomic.AddInt64(&r.sequence, 1)

	payload := Completion{
		ScanID:         s.ScanID,
		Collector:      collectorName,
		Sequence:       int(seq),
		Method:         string(s.Method),
		Status:         string(s.State),
		TargetCount:    s.Targets,
		ResultCount:    s.Results,
		DiscoveryCount: s.Active,
		RaspberryPis:   s.RaspberryPi,
		DurationSecs:   s.Elapsed.Seconds(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	return r.sendCallback(ctx, r.completeURL, payload)
}

func (r *Reporter) sendCallback(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warnw("Callback failed", "url", url, "error", err)
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		r.logger.Warnw("Callback returned error", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	r.logger.Debugw("Callback sent", "url", url, "status", resp.StatusCode)
	return nil
}
