package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/connstate"
	"github.com/speechengine/dataplane-agent/internal/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *connstate.State) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := connstate.New(time.Millisecond, 2.0, 10*time.Millisecond, logger)
	cfg := config.ControlPlaneConfig{
		URL:               srv.URL,
		APIKey:            "test-key",
		APIKeyHeader:      "X-API-Key",
		Timeout:           5 * time.Second,
		RetryAttempts:     3,
		InitialErrorDelay: time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Millisecond,
		JWTKeysCacheTTL:   time.Hour,
	}
	return New(cfg, "1.0.0", state, logger), state
}

func sampleRecord() models.EnrichedUsageRecord {
	return models.EnrichedUsageRecord{
		UsageRecord: models.UsageRecord{
			TransactionID:        "tx-1",
			APISessionID:         "sess-1",
			CustomerID:           "cust-1",
			AudioDurationSeconds: 12.5,
			RequestTimestamp:     time.Now().Add(-time.Minute),
			ResponseTimestamp:    time.Now(),
		},
		ServerInstanceID:    "server-1",
		APIServerRegion:     "us-east-1",
		ProcessingTimestamp: time.Now(),
		AgentVersion:        "1.0.0",
	}
}

func TestSubmitUsageRecords(t *testing.T) {
	var gotPath, gotKey, gotAgent, gotCorrelation string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotAgent = r.Header.Get("User-Agent")
		gotCorrelation = r.Header.Get("X-Correlation-ID")

		var body struct {
			UsageRecords []models.EnrichedUsageRecord `json:"usage_records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "accepted",
			"submitted_count": len(body.UsageRecords),
		})
	})
	c, state := testClient(t, handler)

	resp, err := c.SubmitUsageRecords(context.Background(), "corr-1", []models.EnrichedUsageRecord{sampleRecord()})
	if err != nil {
		t.Fatalf("SubmitUsageRecords() error = %v", err)
	}
	if resp.SubmittedCount != 1 {
		t.Errorf("SubmittedCount = %d, want 1", resp.SubmittedCount)
	}
	if gotPath != "/api/v1/usage-records" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotAgent != "dataplane-agent/1.0.0" {
		t.Errorf("user agent = %q", gotAgent)
	}
	if gotCorrelation != "corr-1" {
		t.Errorf("correlation id = %q", gotCorrelation)
	}
	if !state.Healthy() {
		t.Error("successful request should leave the connection healthy")
	}
}

func TestClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"unknown customer"}`, http.StatusUnprocessableEntity)
	})
	c, state := testClient(t, handler)

	_, err := c.SubmitUsageRecords(context.Background(), "", []models.EnrichedUsageRecord{sampleRecord()})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if !statusErr.Terminal() {
		t.Errorf("StatusError(%d).Terminal() = false, want true", statusErr.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d requests, want exactly 1 for a 4xx", n)
	}
	if state.Info().ConsecutiveFailures != 0 {
		t.Error("4xx must not count as a connection failure")
	}
}

func TestServerErrorUsesFullRetryBudget(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	c, state := testClient(t, handler)

	_, err := c.SubmitUsageRecords(context.Background(), "", []models.EnrichedUsageRecord{sampleRecord()})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.Terminal() {
		t.Error("5xx must not be terminal")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want the full retry budget of 3", n)
	}
	info := state.Info()
	if info.ConsecutiveFailures != 3 || !info.CircuitOpen {
		t.Errorf("state after exhausted retries = %+v, want 3 failures and open circuit", info)
	}
}

func TestCircuitOpenBlocksWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c, state := testClient(t, handler)

	// Use a long backoff so the half-open window cannot elapse mid-test.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state = connstate.New(time.Hour, 2.0, 2*time.Hour, logger)
	c.state = state
	for i := 0; i < 3; i++ {
		state.MarkFailure()
	}

	err := c.SendHeartbeat(context.Background(), "server-1", models.HeartbeatData{Status: "healthy"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("server saw %d requests, want 0 while circuit is open", n)
	}
}

func TestPollCommands(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/servers/server-1/commands" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"commands": []map[string]any{
				{"command_id": "cmd-1", "command_type": "health_check"},
			},
		})
	})
	c, _ := testClient(t, handler)

	commands, err := c.PollCommands(context.Background(), "server-1")
	if err != nil {
		t.Fatalf("PollCommands() error = %v", err)
	}
	if len(commands) != 1 || commands[0].CommandID != "cmd-1" || commands[0].CommandType != models.CommandHealthCheck {
		t.Errorf("commands = %+v", commands)
	}
}

func TestRequestQuotaRefresh(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1/refresh" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.QuotaRefreshResponse{
			APISessionID:   "sess-1",
			TransactionID:  "tx-1",
			NewQuotaAmount: 500,
			FinalQuota:     false,
			Timestamp:      time.Now(),
		})
	})
	c, _ := testClient(t, handler)

	req := models.QuotaRefreshRequest{
		TransactionID:  "tx-1",
		APISessionID:   "sess-1",
		CustomerID:     "cust-1",
		RequestedQuota: 500,
	}
	resp, err := c.RequestQuotaRefresh(context.Background(), "corr-2", req)
	if err != nil {
		t.Fatalf("RequestQuotaRefresh() error = %v", err)
	}
	if resp == nil || resp.NewQuotaAmount != 500 {
		t.Errorf("response = %+v", resp)
	}
}

func TestRequestQuotaRefreshEmptyBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	c, _ := testClient(t, handler)

	resp, err := c.RequestQuotaRefresh(context.Background(), "", models.QuotaRefreshRequest{
		TransactionID: "tx-1", APISessionID: "sess-1", CustomerID: "cust-1", RequestedQuota: 1,
	})
	if err != nil {
		t.Fatalf("RequestQuotaRefresh() error = %v", err)
	}
	if resp != nil {
		t.Errorf("response = %+v, want nil for an empty body", resp)
	}
}

func TestFetchJWTPublicKeysCaches(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{"kid": "key-1"}},
		})
	})
	c, _ := testClient(t, handler)
	ctx := context.Background()

	if _, err := c.FetchJWTPublicKeys(ctx, false); err != nil {
		t.Fatalf("FetchJWTPublicKeys() error = %v", err)
	}
	if _, err := c.FetchJWTPublicKeys(ctx, false); err != nil {
		t.Fatalf("FetchJWTPublicKeys() second call error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d requests, want 1 with a warm cache", n)
	}

	if _, err := c.FetchJWTPublicKeys(ctx, true); err != nil {
		t.Fatalf("FetchJWTPublicKeys(force) error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server saw %d requests after forced refresh, want 2", n)
	}
}

func TestHealthCheckProbeBypassesOpenCircuit(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
	})
	c, state := testClient(t, handler)

	// Open the circuit with a backoff window that will not elapse mid-test.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state = connstate.New(time.Hour, 2.0, 2*time.Hour, logger)
	c.state = state
	for i := 0; i < 3; i++ {
		state.MarkFailure()
	}

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d health probes, want 1", n)
	}
	if !state.Healthy() {
		t.Error("successful probe should close the circuit")
	}
}

func TestNotifyShutdown(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	})
	c, _ := testClient(t, handler)

	if err := c.NotifyShutdown(context.Background(), "server-1"); err != nil {
		t.Fatalf("NotifyShutdown() error = %v", err)
	}
	if gotPath != "/api/v1/servers/server-1/shutdown" {
		t.Errorf("path = %q", gotPath)
	}
}
