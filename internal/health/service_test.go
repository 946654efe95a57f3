package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/connstate"
	"github.com/speechengine/dataplane-agent/internal/controlplane"
	"github.com/speechengine/dataplane-agent/internal/models"
)

type fakeBroker struct {
	mu        sync.Mutex
	healthErr error
	lengths   map[string]int64
}

func (f *fakeBroker) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeBroker) AllQueueLengths(ctx context.Context) map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lengths == nil {
		return map[string]int64{}
	}
	return f.lengths
}

type fakeControlPlane struct {
	mu            sync.Mutex
	registerCalls int
	registerErr   error
	heartbeats    []models.HeartbeatData
	heartbeatErr  error
	probeCalls    int
	probeErr      error
	state         *connstate.State
	shutdowns     int
}

func (f *fakeControlPlane) RegisterServer(ctx context.Context, reg models.ServerRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return f.registerErr
}

func (f *fakeControlPlane) SendHeartbeat(ctx context.Context, serverID string, hb models.HeartbeatData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return f.heartbeatErr
}

func (f *fakeControlPlane) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.probeErr != nil {
		if f.state != nil {
			f.state.MarkFailure()
		}
		return f.probeErr
	}
	if f.state != nil {
		f.state.MarkSuccess()
	}
	return nil
}

func (f *fakeControlPlane) NotifyShutdown(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeControlPlane) calls() (registers, heartbeatCount, probes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, len(f.heartbeats), f.probeCalls
}

func testService(broker *fakeBroker, cp *fakeControlPlane, state *connstate.State) *Service {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ServerID: "server-1",
			Region:   "us-east-1",
			Version:  "1.2.3",
		},
		Redis: config.RedisConfig{
			UsageQueue:     "queue:usage_records",
			LifecycleQueue: "queue:session_lifecycle",
			QuotaQueue:     "queue:quota_refresh",
			DeadLetter:     "queue:dead_letter",
		},
		ControlPlane: config.ControlPlaneConfig{
			InitialErrorDelay:   time.Second,
			HealthCheckEnabled:  true,
			HealthCheckInterval: time.Minute,
		},
		Monitoring: config.MonitoringConfig{HeartbeatInterval: time.Minute},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, broker, cp, state, logger)
	s.startTime = s.now()
	return s
}

func openState() *connstate.State {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := connstate.New(time.Hour, 2.0, 2*time.Hour, logger)
	for i := 0; i < 3; i++ {
		state.MarkFailure()
	}
	return state
}

func closedState() *connstate.State {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return connstate.New(time.Millisecond, 2.0, time.Second, logger)
}

func TestHeartbeatSkippedWhileCircuitOpen(t *testing.T) {
	state := openState()
	cp := &fakeControlPlane{state: state}
	s := testService(&fakeBroker{}, cp, state)

	delay := s.heartbeatCycle(context.Background())

	registers, heartbeats, probes := cp.calls()
	if registers != 0 || heartbeats != 0 || probes != 0 {
		t.Errorf("control plane saw %d registers, %d heartbeats, %d probes; want none while blocked",
			registers, heartbeats, probes)
	}
	if delay != state.BackoffDelay() {
		t.Errorf("cycle delay = %v, want current backoff %v", delay, state.BackoffDelay())
	}
}

func TestHalfOpenProbeBeforeResuming(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := connstate.New(time.Millisecond, 2.0, 10*time.Millisecond, logger)
	for i := 0; i < 3; i++ {
		state.MarkFailure()
	}
	time.Sleep(20 * time.Millisecond) // let the backoff window elapse

	cp := &fakeControlPlane{state: state}
	s := testService(&fakeBroker{}, cp, state)

	delay := s.heartbeatCycle(context.Background())

	registers, heartbeats, probes := cp.calls()
	if probes != 1 {
		t.Errorf("probes = %d, want exactly 1 half-open probe", probes)
	}
	if registers != 1 || heartbeats != 1 {
		t.Errorf("after successful probe: registers = %d, heartbeats = %d, want 1 each", registers, heartbeats)
	}
	if delay != s.cfg.Monitoring.HeartbeatInterval {
		t.Errorf("cycle delay = %v, want heartbeat interval", delay)
	}
	if !state.Healthy() {
		t.Error("state should be healthy after a full successful cycle")
	}
}

func TestFailedProbeKeepsBackoff(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := connstate.New(time.Millisecond, 2.0, 10*time.Millisecond, logger)
	for i := 0; i < 3; i++ {
		state.MarkFailure()
	}
	time.Sleep(20 * time.Millisecond)

	cp := &fakeControlPlane{state: state, probeErr: fmt.Errorf("still down")}
	s := testService(&fakeBroker{}, cp, state)

	s.heartbeatCycle(context.Background())

	registers, heartbeats, probes := cp.calls()
	if probes != 1 || registers != 0 || heartbeats != 0 {
		t.Errorf("failed probe should stop the cycle: registers = %d, heartbeats = %d, probes = %d",
			registers, heartbeats, probes)
	}
}

func TestRegistrationFailureSkipsHeartbeat(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{state: state, registerErr: fmt.Errorf("503")}
	s := testService(&fakeBroker{}, cp, state)

	s.heartbeatCycle(context.Background())

	if s.Registered() {
		t.Error("agent registered despite registration failure")
	}
	_, heartbeats, _ := cp.calls()
	if heartbeats != 0 {
		t.Errorf("heartbeats = %d, want 0 in the cycle registration failed", heartbeats)
	}
}

func TestRejectedRegistrationWaitsFullInterval(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{
		state:       state,
		registerErr: &controlplane.StatusError{StatusCode: 401, Method: "POST", Path: "/api/v1/servers/register"},
	}
	s := testService(&fakeBroker{}, cp, state)

	delay := s.heartbeatCycle(context.Background())

	// A 4xx never marks the breaker, so the backoff stays zero; the cycle
	// must still wait, not spin.
	if delay != s.cfg.Monitoring.HeartbeatInterval {
		t.Errorf("cycle delay = %v, want heartbeat interval %v for a rejected registration",
			delay, s.cfg.Monitoring.HeartbeatInterval)
	}
	if s.Registered() {
		t.Error("agent registered despite rejection")
	}
}

func TestRejectedHeartbeatWaitsFullInterval(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{
		state:        state,
		heartbeatErr: &controlplane.StatusError{StatusCode: 403, Method: "PUT", Path: "/api/v1/servers/server-1/heartbeat"},
	}
	s := testService(&fakeBroker{}, cp, state)

	delay := s.heartbeatCycle(context.Background())

	if delay != s.cfg.Monitoring.HeartbeatInterval {
		t.Errorf("cycle delay = %v, want heartbeat interval %v for a rejected heartbeat",
			delay, s.cfg.Monitoring.HeartbeatInterval)
	}
	if s.Registered() {
		t.Error("agent should demote after a rejected heartbeat")
	}
}

func TestTransientFailureDelayFlooredAtInitialErrorDelay(t *testing.T) {
	state := closedState()
	// A fake that fails without marking the breaker models any path where a
	// cycle fails while consecutiveFailures is still zero.
	cp := &fakeControlPlane{state: state, registerErr: fmt.Errorf("connection reset")}
	s := testService(&fakeBroker{}, cp, state)

	delay := s.heartbeatCycle(context.Background())

	if delay < s.cfg.ControlPlane.InitialErrorDelay {
		t.Errorf("cycle delay = %v, want at least the initial error delay %v",
			delay, s.cfg.ControlPlane.InitialErrorDelay)
	}
}

func TestHeartbeatFailureDemotes(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{state: state, heartbeatErr: fmt.Errorf("timeout")}
	s := testService(&fakeBroker{}, cp, state)

	s.heartbeatCycle(context.Background())
	if s.Registered() {
		t.Error("agent should demote to unregistered after a failed heartbeat")
	}

	// Next cycle must re-register.
	cp.mu.Lock()
	cp.heartbeatErr = nil
	cp.mu.Unlock()
	s.heartbeatCycle(context.Background())

	registers, heartbeats, _ := cp.calls()
	if registers != 2 {
		t.Errorf("registers = %d, want re-registration after demotion", registers)
	}
	if heartbeats != 2 {
		t.Errorf("heartbeats = %d, want 2", heartbeats)
	}
	if !s.Registered() {
		t.Error("agent should be registered after the successful cycle")
	}
}

func TestHeartbeatCarriesQueueMetrics(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{state: state}
	broker := &fakeBroker{lengths: map[string]int64{"queue:usage_records": 7}}
	s := testService(broker, cp, state)

	s.heartbeatCycle(context.Background())

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.heartbeats) != 1 {
		t.Fatalf("heartbeats = %d, want 1", len(cp.heartbeats))
	}
	hb := cp.heartbeats[0]
	if hb.Status != "healthy" {
		t.Errorf("heartbeat status = %q", hb.Status)
	}
	if hb.Metrics["queue_lengths"] == nil {
		t.Error("heartbeat missing queue lengths")
	}
}

func TestHealthStatusAggregation(t *testing.T) {
	tests := []struct {
		name       string
		redisErr   error
		cpFailures int
		registered bool
		want       string
	}{
		{"all healthy", nil, 0, true, "healthy"},
		{"unregistered", nil, 0, false, "degraded"},
		{"control plane down", nil, 3, true, "degraded"},
		{"redis down", fmt.Errorf("refused"), 0, true, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := closedState()
			for i := 0; i < tt.cpFailures; i++ {
				state.MarkFailure()
			}
			broker := &fakeBroker{healthErr: tt.redisErr}
			s := testService(broker, &fakeControlPlane{state: state}, state)
			s.setRegistered(tt.registered)

			got := s.HealthStatus(context.Background())
			if got.Status != tt.want {
				t.Errorf("Status = %q, want %q", got.Status, tt.want)
			}
			if got.ServerRegistered != tt.registered {
				t.Errorf("ServerRegistered = %v", got.ServerRegistered)
			}
			if len(got.Components) != 2 {
				t.Errorf("Components = %+v, want redis and control_plane", got.Components)
			}
		})
	}
}

func TestMetricsDataSnapshot(t *testing.T) {
	state := closedState()
	broker := &fakeBroker{lengths: map[string]int64{"queue:usage_records": 3, "queue:dead_letter": 1}}
	s := testService(broker, &fakeControlPlane{state: state}, state)
	s.setRegistered(true)

	got := s.MetricsData(context.Background())
	if got.ServerID != "server-1" {
		t.Errorf("ServerID = %q", got.ServerID)
	}
	if got.QueueMetrics["queue:usage_records"] != 3 {
		t.Errorf("QueueMetrics = %+v", got.QueueMetrics)
	}
	if !got.ConnectionStatus["redis"] || !got.ConnectionStatus["control_plane"] {
		t.Errorf("ConnectionStatus = %+v", got.ConnectionStatus)
	}
	if !got.ServerInfo.Registered || got.ServerInfo.Region != "us-east-1" {
		t.Errorf("ServerInfo = %+v", got.ServerInfo)
	}
}

func TestStopNotifiesShutdownWhenRegistered(t *testing.T) {
	state := closedState()
	cp := &fakeControlPlane{state: state}
	s := testService(&fakeBroker{}, cp, state)

	s.Start(context.Background())
	s.setRegistered(true)
	s.Stop(time.Second)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.shutdowns != 1 {
		t.Errorf("shutdown notifications = %d, want 1", cp.shutdowns)
	}
}
