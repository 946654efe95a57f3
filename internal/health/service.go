// Package health owns agent liveness: the registration/heartbeat loop against
// the control plane, periodic metrics collection, and the health and metrics
// snapshots served by the HTTP surface and remote commands.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/connstate"
	"github.com/speechengine/dataplane-agent/internal/controlplane"
	"github.com/speechengine/dataplane-agent/internal/models"
)

// metricsInterval is how often the metrics collection loop samples queue
// depths and dependency reachability.
const metricsInterval = 30 * time.Second

// shutdownNotifyTimeout bounds the best-effort shutdown notification.
const shutdownNotifyTimeout = 5 * time.Second

// broker is the queue client surface the health service uses.
type broker interface {
	HealthCheck(ctx context.Context) error
	AllQueueLengths(ctx context.Context) map[string]int64
}

// remote is the control plane surface the health service uses.
type remote interface {
	RegisterServer(ctx context.Context, reg models.ServerRegistration) error
	SendHeartbeat(ctx context.Context, serverID string, hb models.HeartbeatData) error
	HealthCheck(ctx context.Context) error
	NotifyShutdown(ctx context.Context, serverID string) error
}

// Service runs the heartbeat and metrics loops and serves health snapshots.
type Service struct {
	cfg    *config.Config
	queue  broker
	remote remote
	state  *connstate.State
	logger *slog.Logger
	now    func() time.Time

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.Mutex
	registered  bool
	lastCPProbe time.Time
}

// New creates the health service.
func New(cfg *config.Config, queue broker, remote remote, state *connstate.State, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		queue:  queue,
		remote: remote,
		state:  state,
		logger: logger.With("service", "health"),
		now:    time.Now,
	}
}

// Start launches the heartbeat and metrics collection loops.
func (s *Service) Start(ctx context.Context) {
	s.startTime = s.now()
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.metricsLoop(ctx)
	s.logger.Info("health service started", "heartbeat_interval", s.cfg.Monitoring.HeartbeatInterval)
}

// Stop cancels both loops, waits for them up to timeout, then notifies the
// control plane of shutdown if the agent is registered. The notification is
// best-effort.
func (s *Service) Stop(timeout time.Duration) {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("health loops did not stop within timeout", "timeout", timeout)
	}

	if s.Registered() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownNotifyTimeout)
		defer cancel()
		if err := s.remote.NotifyShutdown(ctx, s.cfg.Server.ServerID); err != nil {
			s.logger.Warn("shutdown notification failed", "error", err.Error())
		} else {
			s.logger.Info("control plane notified of shutdown")
		}
	}
}

// Registered reports whether the agent currently holds a registration.
func (s *Service) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Service) setRegistered(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = v
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		delay := s.heartbeatCycle(ctx)
		if linger.Sleep(ctx, delay) != nil {
			s.logger.Info("heartbeat loop exiting")
			return
		}
	}
}

// heartbeatCycle runs one iteration of the registration/heartbeat state
// machine and returns how long to sleep before the next one.
func (s *Service) heartbeatCycle(ctx context.Context) time.Duration {
	// Gate first: while the circuit blocks, no control plane traffic at all.
	if !s.state.ShouldAttemptRequest() {
		heartbeatsTotal.WithLabelValues("skipped").Inc()
		s.logger.Info("heartbeat skipped, circuit breaker open",
			"retry_in", s.state.BackoffDelay(),
		)
		return s.state.BackoffDelay()
	}

	// Half-open window: probe the health endpoint before resuming the normal
	// cycle. A failed probe re-arms the backoff; a successful one closes the
	// circuit.
	if s.state.Info().CircuitOpen {
		if err := s.remote.HealthCheck(ctx); err != nil {
			heartbeatsTotal.WithLabelValues("probe_failed").Inc()
			s.logger.Warn("recovery probe failed", "error", err.Error())
			return s.failureDelay(err)
		}
		s.logger.Info("recovery probe succeeded, resuming heartbeats")
	}

	if !s.Registered() {
		if err := s.register(ctx); err != nil {
			heartbeatsTotal.WithLabelValues("registration_failed").Inc()
			s.logger.Error("server registration failed", "error", err.Error())
			return s.failureDelay(err)
		}
		s.logger.Info("server registered with control plane", "server_id", s.cfg.Server.ServerID)
	}

	if err := s.sendHeartbeat(ctx); err != nil {
		heartbeatsTotal.WithLabelValues("failed").Inc()
		// Demote so the next cycle re-registers.
		s.setRegistered(false)
		s.logger.Error("heartbeat failed, demoting to unregistered", "error", err.Error())
		return s.failureDelay(err)
	}

	heartbeatsTotal.WithLabelValues("sent").Inc()
	return s.cfg.Monitoring.HeartbeatInterval
}

// failureDelay returns the sleep after a failed cycle. Terminal rejections
// (4xx: revoked key, rejected registration) never touch the breaker, so they
// wait a full heartbeat interval; transient failures wait the breaker's
// backoff, floored at the initial error delay so the loop cannot hot-spin.
func (s *Service) failureDelay(err error) time.Duration {
	var statusErr *controlplane.StatusError
	if errors.As(err, &statusErr) && statusErr.Terminal() {
		return s.cfg.Monitoring.HeartbeatInterval
	}
	if delay := s.state.BackoffDelay(); delay > 0 {
		return delay
	}
	return s.cfg.ControlPlane.InitialErrorDelay
}

func (s *Service) register(ctx context.Context) error {
	reg := models.ServerRegistration{
		ServerID:  s.cfg.Server.ServerID,
		Region:    s.cfg.Server.Region,
		Version:   s.cfg.Server.Version,
		IPAddress: s.cfg.Server.IPAddress,
		Port:      s.cfg.Server.Port,
		Capabilities: map[string]any{
			"products": []string{string(models.ProductSpeechToTextStandard)},
			"consumer_queues": []string{
				s.cfg.Redis.UsageQueue,
				s.cfg.Redis.LifecycleQueue,
				s.cfg.Redis.QuotaQueue,
			},
		},
	}
	if err := s.remote.RegisterServer(ctx, reg); err != nil {
		return err
	}
	s.setRegistered(true)
	return nil
}

func (s *Service) sendHeartbeat(ctx context.Context) error {
	status := "healthy"
	if err := s.queue.HealthCheck(ctx); err != nil {
		status = "degraded"
	}
	hb := models.HeartbeatData{
		Status: status,
		Metrics: map[string]any{
			"uptime_seconds": int64(s.now().Sub(s.startTime).Seconds()),
			"queue_lengths":  s.queue.AllQueueLengths(ctx),
		},
	}
	return s.remote.SendHeartbeat(ctx, s.cfg.Server.ServerID, hb)
}

func (s *Service) metricsLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.collectMetrics(ctx)
		if linger.Sleep(ctx, metricsInterval) != nil {
			s.logger.Info("metrics loop exiting")
			return
		}
	}
}

// collectMetrics samples queue depths and dependency reachability into the
// Prometheus gauges. The control plane probe is throttled to its own interval
// and skipped entirely while the circuit blocks.
func (s *Service) collectMetrics(ctx context.Context) {
	for queueName, length := range s.queue.AllQueueLengths(ctx) {
		queueDepth.WithLabelValues(queueName).Set(float64(length))
	}

	if err := s.queue.HealthCheck(ctx); err != nil {
		dependencyUp.WithLabelValues("redis").Set(0)
		s.logger.Warn("queue store health check failed", "error", err.Error())
	} else {
		dependencyUp.WithLabelValues("redis").Set(1)
	}

	if s.state.Healthy() {
		dependencyUp.WithLabelValues("control_plane").Set(1)
	} else {
		dependencyUp.WithLabelValues("control_plane").Set(0)
	}

	if s.cfg.ControlPlane.HealthCheckEnabled && s.state.ShouldAttemptRequest() {
		s.mu.Lock()
		due := s.now().Sub(s.lastCPProbe) >= s.cfg.ControlPlane.HealthCheckInterval
		if due {
			s.lastCPProbe = s.now()
		}
		s.mu.Unlock()
		if due {
			if err := s.remote.HealthCheck(ctx); err != nil {
				s.logger.Warn("control plane health check failed", "error", err.Error())
			}
		}
	}
}

// HealthStatus builds the aggregate health snapshot: healthy when every
// dependency is usable and the agent is registered, unhealthy when the queue
// store is unreachable, degraded otherwise.
func (s *Service) HealthStatus(ctx context.Context) models.HealthStatus {
	components := make(map[string]models.ComponentHealth)

	redisOK := true
	if err := s.queue.HealthCheck(ctx); err != nil {
		redisOK = false
		components["redis"] = models.ComponentHealth{Status: "unhealthy", Error: err.Error()}
	} else {
		components["redis"] = models.ComponentHealth{Status: "healthy"}
	}

	cpOK := s.state.Healthy()
	if cpOK {
		components["control_plane"] = models.ComponentHealth{Status: "healthy"}
	} else {
		components["control_plane"] = models.ComponentHealth{Status: "unhealthy"}
	}

	registered := s.Registered()
	status := "healthy"
	switch {
	case !redisOK:
		status = "unhealthy"
	case !cpOK || !registered:
		status = "degraded"
	}

	return models.HealthStatus{
		Status:                status,
		Timestamp:             s.now().UTC(),
		Version:               s.cfg.Server.Version,
		UptimeSeconds:         int64(s.now().Sub(s.startTime).Seconds()),
		RedisConnected:        redisOK,
		ControlPlaneConnected: cpOK,
		ServerRegistered:      registered,
		Components:            components,
	}
}

// MetricsData builds the JSON metrics snapshot served on /metrics/json.
func (s *Service) MetricsData(ctx context.Context) models.MetricsData {
	return models.MetricsData{
		ServerID:      s.cfg.Server.ServerID,
		Timestamp:     s.now().UTC(),
		UptimeSeconds: int64(s.now().Sub(s.startTime).Seconds()),
		QueueMetrics:  s.queue.AllQueueLengths(ctx),
		ConnectionStatus: map[string]bool{
			"redis":         s.queue.HealthCheck(ctx) == nil,
			"control_plane": s.state.Healthy(),
		},
		ServerInfo: models.ServerInfo{
			Version:    s.cfg.Server.Version,
			Region:     s.cfg.Server.Region,
			Registered: s.Registered(),
		},
	}
}
