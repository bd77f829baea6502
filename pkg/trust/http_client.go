package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClient calls an external trust-scoring service over HTTP, circuit
// broken so a prolonged outage fails fast into the degraded path instead
// of piling up blocked intake workers behind a dead dependency.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewHTTPClient builds an HTTPClient whose calls are bounded by timeout
// and protected by a breaker that opens after 5 consecutive failures and
// probes again after 30s, the same "trip on consecutive failures, cool
// down, half-open probe" shape gobreaker ships as its canonical example.
func NewHTTPClient(baseURL string, timeout time.Duration, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "trust-service",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("trust service circuit breaker state change", "from", from, "to", to)
		},
	})
	return &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
		breaker: cb,
		log:     log,
	}
}

type snapshotResponse struct {
	Level      *float64               `json:"level"`
	Score      *float64               `json:"score"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Snapshot fetches a fresh trust snapshot. It never returns an error to
// the caller for an unreachable/timed-out/breaker-open trust service —
// those all degrade to a conservative Snapshot instead (spec.md §7), so
// the intake worker's happy path doesn't need a second degrade branch.
func (c *HTTPClient) Snapshot(ctx context.Context, tenantID, entityID string) (Snapshot, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, tenantID, entityID)
	})
	if err != nil {
		c.log.Warn("trust snapshot degraded", "tenant_id", tenantID, "entity_id", entityID, "error", err)
		return degraded(entityID), nil
	}
	return result.(Snapshot), nil
}

func (c *HTTPClient) fetch(ctx context.Context, tenantID, entityID string) (Snapshot, error) {
	url := fmt.Sprintf("%s?tenantId=%s&entityId=%s", c.baseURL, tenantID, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("trust service returned %d", resp.StatusCode)
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("trust service response: %w", err)
	}
	return Snapshot{
		EntityID:   entityID,
		Level:      body.Level,
		Score:      body.Score,
		Attributes: body.Attributes,
		Degraded:   false,
		CapturedAt: time.Now().UTC(),
	}, nil
}
