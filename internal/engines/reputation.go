package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

const reputationAttempts = 2

// ReputationLookup queries a remote reputation service by content hash.
// The service contract is a narrow request/response: the adapter knows
// nothing about the vendor behind it.
type ReputationLookup struct {
	baseURL string
	client  *http.Client
}

// reputationResponse mirrors the remote service's JSON body.
type reputationResponse struct {
	Malicious bool    `json:"malicious"`
	Detection string  `json:"detection"`
	Score     float64 `json:"score"`
}

// NewReputationLookup creates a ReputationLookup against baseURL. An
// empty baseURL yields an engine that reports itself unavailable.
func NewReputationLookup(baseURL string, timeout time.Duration) *ReputationLookup {
	return &ReputationLookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *ReputationLookup) Name() string    { return "reputation_lookup" }
func (r *ReputationLookup) Version() string { return "1.0.0" }

func (r *ReputationLookup) Scan(ctx context.Context, data []byte, hash string) (*core.EngineResult, error) {
	start := time.Now()
	if r.baseURL == "" {
		return nil, fmt.Errorf("%w: no reputation service configured", core.ErrEngineUnavailable)
	}

	body, err := r.fetchWithBackoff(ctx, fmt.Sprintf("%s/v1/reputation/%s", r.baseURL, hash))
	if err != nil {
		return nil, err
	}

	var rep reputationResponse
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("%w: malformed reputation response: %v", core.ErrEngineUnavailable, err)
	}

	result := &core.EngineResult{
		Engine:     r.Name(),
		Version:    r.Version(),
		Positive:   rep.Malicious,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if rep.Malicious {
		detail := rep.Detection
		if detail == "" {
			detail = "flagged by reputation service"
		}
		result.Detail = fmt.Sprintf("%s (score %.2f)", detail, rep.Score)
		result.Findings = []string{result.Detail}
	} else {
		result.Detail = fmt.Sprintf("reputation clean (score %.2f)", rep.Score)
	}
	return result, nil
}

// HealthCheck reports whether a reputation service is configured.
func (r *ReputationLookup) HealthCheck() bool { return r.baseURL != "" }

// fetchWithBackoff performs a GET with bounded retries. The context
// carries the engine's overall timeout budget, so retries never outlive
// the orchestrator's deadline.
func (r *ReputationLookup) fetchWithBackoff(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	delay := 500 * time.Millisecond

	for i := 0; i < reputationAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("reputation service returned %d", resp.StatusCode)
			continue
		}
		return body, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %v", core.ErrEngineUnavailable, lastErr)
}
