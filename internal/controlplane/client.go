// Package controlplane implements the HTTP client for the remote control
// plane. Every call goes through the circuit breaker gate and a bounded retry
// loop; 4xx responses are terminal and never retried.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/connstate"
	"github.com/speechengine/dataplane-agent/internal/models"
)

const maxErrorBodyBytes = 512

// SubmitResponse is the control plane's answer to a usage record submission.
type SubmitResponse struct {
	Status         string `json:"status"`
	SubmittedCount int    `json:"submitted_count"`
}

// Client talks to the control plane API. All methods are safe for concurrent
// use.
type Client struct {
	cfg        config.ControlPlaneConfig
	version    string
	httpClient *http.Client
	state      *connstate.State
	logger     *slog.Logger

	keysMu        sync.Mutex
	cachedKeys    map[string]any
	keysFetchedAt time.Time
	now           func() time.Time
}

// New creates a control plane client. state is the shared connection state
// manager; its breaker gates every request this client makes.
func New(cfg config.ControlPlaneConfig, version string, state *connstate.State, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		version: version,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		state:  state,
		logger: logger.With("service", "control_plane_client"),
		now:    time.Now,
	}
}

func (c *Client) setHeaders(req *http.Request, correlationID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	req.Header.Set("User-Agent", "dataplane-agent/"+c.version)
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
}

// do runs one control plane call: breaker gate, then up to RetryAttempts
// attempts. Network failures and 5xx responses mark a failure and wait the
// current backoff before the next attempt; 4xx responses return immediately
// as a terminal StatusError without touching the breaker.
func (c *Client) do(ctx context.Context, method, path, correlationID string, body any) ([]byte, error) {
	if !c.state.ShouldAttemptRequest() {
		requestsTotal.WithLabelValues(method, "circuit_open").Inc()
		return nil, ErrCircuitOpen
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body for %s %s: %w", method, path, err)
		}
	}

	url := c.cfg.URL + path
	var lastErr error

attempts:
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
		}
		c.setHeaders(req, correlationID)

		start := c.now()
		resp, err := c.httpClient.Do(req)
		requestDuration.Observe(c.now().Sub(start).Seconds())

		if err != nil {
			c.state.MarkFailure()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			c.logger.Warn("control plane request failed",
				"method", method,
				"path", path,
				"attempt", attempt,
				"error", err.Error(),
			)
			if !c.waitForRetry(ctx, attempt) {
				break
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				c.state.MarkFailure()
				requestsTotal.WithLabelValues(method, "network_error").Inc()
				lastErr = fmt.Errorf("read response for %s %s: %w", method, path, readErr)
				if !c.waitForRetry(ctx, attempt) {
					break attempts
				}
				continue
			}
			c.state.MarkSuccess()
			requestsTotal.WithLabelValues(method, "success").Inc()
			return respBody, nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			requestsTotal.WithLabelValues(method, "client_error").Inc()
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				Method:     method,
				Path:       path,
				Body:       truncate(respBody),
			}

		default:
			c.state.MarkFailure()
			requestsTotal.WithLabelValues(method, "server_error").Inc()
			lastErr = &StatusError{
				StatusCode: resp.StatusCode,
				Method:     method,
				Path:       path,
				Body:       truncate(respBody),
			}
			c.logger.Warn("control plane returned server error",
				"method", method,
				"path", path,
				"status", resp.StatusCode,
				"attempt", attempt,
			)
			if !c.waitForRetry(ctx, attempt) {
				break attempts
			}
		}
	}
	return nil, lastErr
}

// waitForRetry sleeps the current backoff before the next attempt. Returns
// false when the retry budget is exhausted, the breaker now blocks, or the
// context was cancelled.
func (c *Client) waitForRetry(ctx context.Context, attempt int) bool {
	if attempt >= c.cfg.RetryAttempts {
		return false
	}
	if !c.state.ShouldAttemptRequest() {
		return false
	}
	if err := linger.Sleep(ctx, c.state.BackoffDelay()); err != nil {
		return false
	}
	return true
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes])
	}
	return string(body)
}

// SubmitUsageRecords forwards a batch of enriched usage records. The control
// plane reports how many records it accepted.
func (c *Client) SubmitUsageRecords(ctx context.Context, correlationID string, records []models.EnrichedUsageRecord) (*SubmitResponse, error) {
	body := map[string]any{
		"usage_records":        records,
		"submission_timestamp": c.now().UTC(),
	}
	respBody, err := c.do(ctx, http.MethodPost, "/api/v1/usage-records", correlationID, body)
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("decode usage submission response: %w", err)
		}
	}
	return &out, nil
}

// NotifySessionStart reports a session start event.
func (c *Client) NotifySessionStart(ctx context.Context, correlationID string, event models.SessionLifecycleEvent) error {
	path := "/api/v1/sessions/" + event.APISessionID + "/start"
	_, err := c.do(ctx, http.MethodPost, path, correlationID, event)
	return err
}

// NotifySessionComplete reports a session completion event.
func (c *Client) NotifySessionComplete(ctx context.Context, correlationID string, event models.SessionLifecycleEvent) error {
	path := "/api/v1/sessions/" + event.APISessionID + "/complete"
	_, err := c.do(ctx, http.MethodPost, path, correlationID, event)
	return err
}

// RequestQuotaRefresh asks the control plane for more quota. Returns nil with
// no error when the control plane answers without an allocation body.
func (c *Client) RequestQuotaRefresh(ctx context.Context, correlationID string, req models.QuotaRefreshRequest) (*models.QuotaRefreshResponse, error) {
	path := "/api/v1/sessions/" + req.APISessionID + "/refresh"
	respBody, err := c.do(ctx, http.MethodPost, path, correlationID, req)
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return nil, nil
	}
	var out models.QuotaRefreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode quota refresh response: %w", err)
	}
	if out.APISessionID == "" && out.TransactionID == "" {
		return nil, nil
	}
	return &out, nil
}

// RegisterServer registers this agent with the control plane. Registration is
// an idempotent upsert keyed on server ID.
func (c *Client) RegisterServer(ctx context.Context, reg models.ServerRegistration) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/servers/register", "", reg)
	return err
}

// SendHeartbeat reports liveness for a registered agent.
func (c *Client) SendHeartbeat(ctx context.Context, serverID string, hb models.HeartbeatData) error {
	path := "/api/v1/servers/" + serverID + "/heartbeat"
	_, err := c.do(ctx, http.MethodPut, path, "", hb)
	return err
}

// PollCommands fetches pending remote commands for this agent.
func (c *Client) PollCommands(ctx context.Context, serverID string) ([]models.RemoteCommand, error) {
	path := "/api/v1/servers/" + serverID + "/commands"
	respBody, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Commands []models.RemoteCommand `json:"commands"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("decode commands response: %w", err)
		}
	}
	return out.Commands, nil
}

// ReportCommandResult sends the outcome of an executed remote command.
func (c *Client) ReportCommandResult(ctx context.Context, serverID string, result models.CommandResult) error {
	path := "/api/v1/servers/" + serverID + "/command-results"
	_, err := c.do(ctx, http.MethodPost, path, "", result)
	return err
}

// FetchJWTPublicKeys returns the control plane's JWT verification keys.
// Results are cached in-process for the configured TTL; cache hits make no
// network call. forceRefresh bypasses the cache.
func (c *Client) FetchJWTPublicKeys(ctx context.Context, forceRefresh bool) (map[string]any, error) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	if !forceRefresh && c.cachedKeys != nil && c.now().Sub(c.keysFetchedAt) < c.cfg.JWTKeysCacheTTL {
		return c.cachedKeys, nil
	}

	respBody, err := c.do(ctx, http.MethodGet, "/api/v1/auth/public-keys", "", nil)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]any)
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &keys); err != nil {
			return nil, fmt.Errorf("decode public keys response: %w", err)
		}
	}
	c.cachedKeys = keys
	c.keysFetchedAt = c.now()
	c.logger.Info("jwt public keys refreshed", "key_count", len(keys))
	return keys, nil
}

// HealthCheck probes the control plane health endpoint with a single attempt.
// It bypasses the breaker gate so it can serve as the recovery probe while the
// circuit is open; the outcome still settles the breaker.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	c.setHeaders(req, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state.MarkFailure()
		return fmt.Errorf("control plane health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.state.MarkFailure()
		return &StatusError{
			StatusCode: resp.StatusCode,
			Method:     http.MethodGet,
			Path:       "/api/v1/health",
		}
	}
	c.state.MarkSuccess()
	return nil
}

// NotifyShutdown tells the control plane this agent is stopping. Best-effort:
// callers log and ignore the error.
func (c *Client) NotifyShutdown(ctx context.Context, serverID string) error {
	path := "/api/v1/servers/" + serverID + "/shutdown"
	_, err := c.do(ctx, http.MethodPost, path, "", map[string]any{
		"timestamp": c.now().UTC(),
	})
	return err
}
