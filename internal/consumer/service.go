// Package consumer runs the queue-draining loops: one reserve-process-
// acknowledge loop per message kind, each feeding the control plane through
// the shared remote client.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/controlplane"
	"github.com/speechengine/dataplane-agent/internal/models"
)

// brokerErrorSleep is the pause after a broker-level failure before the loop
// retries. Independent of the circuit breaker: the queue store and the
// control plane are different dependencies.
const brokerErrorSleep = 1 * time.Second

// broker is the queue client surface the consumer uses.
type broker interface {
	ReliablePop(ctx context.Context, sourceQueue, processingQueue string, timeout time.Duration) (string, bool, error)
	Acknowledge(ctx context.Context, processingQueue, token string) error
	MoveToDeadLetter(ctx context.Context, processingQueue, token, errorInfo string) error
	Publish(ctx context.Context, queueName string, v any) error
	RecoverProcessing(ctx context.Context, sourceQueue string) (int, error)
}

// remote is the control plane surface the consumer uses.
type remote interface {
	SubmitUsageRecords(ctx context.Context, correlationID string, records []models.EnrichedUsageRecord) (*controlplane.SubmitResponse, error)
	NotifySessionStart(ctx context.Context, correlationID string, event models.SessionLifecycleEvent) error
	NotifySessionComplete(ctx context.Context, correlationID string, event models.SessionLifecycleEvent) error
	RequestQuotaRefresh(ctx context.Context, correlationID string, req models.QuotaRefreshRequest) (*models.QuotaRefreshResponse, error)
}

type handlerFunc func(ctx context.Context, correlationID, token string) error

// Service owns the three consumer loops. Start launches them, Stop cancels
// and waits with a bounded timeout.
type Service struct {
	cfg    *config.Config
	queue  broker
	remote remote
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the consumer service.
func New(cfg *config.Config, queue broker, remote remote, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		queue:  queue,
		remote: remote,
		logger: logger.With("service", "consumer"),
		now:    time.Now,
	}
}

// Start recovers any messages stranded in the processing queues by a prior
// crash, then launches the three consumer loops.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, q := range []string{s.cfg.Redis.UsageQueue, s.cfg.Redis.LifecycleQueue, s.cfg.Redis.QuotaQueue} {
		recovered, err := s.queue.RecoverProcessing(ctx, q)
		if err != nil {
			s.logger.Warn("processing queue recovery incomplete",
				"source_queue", q,
				"recovered", recovered,
				"error", err.Error(),
			)
			continue
		}
		if recovered > 0 {
			s.logger.Info("recovered stranded messages from prior run",
				"source_queue", q,
				"recovered", recovered,
			)
		}
	}

	loops := []struct {
		kind    string
		queue   string
		handler handlerFunc
	}{
		{"usage_record", s.cfg.Redis.UsageQueue, s.handleUsageRecord},
		{"session_lifecycle", s.cfg.Redis.LifecycleQueue, s.handleLifecycleEvent},
		{"quota_refresh", s.cfg.Redis.QuotaQueue, s.handleQuotaRequest},
	}
	for _, loop := range loops {
		s.wg.Add(1)
		go s.run(ctx, loop.kind, loop.queue, loop.handler)
	}
	s.logger.Info("consumer loops started", "loop_count", len(loops))
}

// Stop cancels the loops and waits for them up to timeout. An in-flight
// handler always reaches acknowledge or dead-letter before its loop exits.
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
		s.logger.Info("consumer loops stopped")
	case <-time.After(timeout):
		s.logger.Warn("consumer loops did not stop within timeout", "timeout", timeout)
	}
}

func (s *Service) run(ctx context.Context, kind, sourceQueue string, handler handlerFunc) {
	defer s.wg.Done()

	processingQueue := config.ProcessingQueue(sourceQueue)
	logger := s.logger.With("kind", kind, "queue", sourceQueue)
	logger.Info("consumer loop running")

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer loop exiting")
			return
		default:
		}

		token, ok, err := s.queue.ReliablePop(ctx, sourceQueue, processingQueue, s.cfg.Monitoring.ConsumerPopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			loopErrorsTotal.WithLabelValues(kind).Inc()
			logger.Error("broker error in consumer loop", "error", err.Error())
			_ = linger.Sleep(ctx, brokerErrorSleep)
			continue
		}
		if !ok {
			continue
		}

		correlationID := uuid.NewString()
		if err := handler(ctx, correlationID, token); err != nil {
			messagesTotal.WithLabelValues(kind, "dead_lettered").Inc()
			logger.Error("message processing failed, dead-lettering",
				"correlation_id", correlationID,
				"error", err.Error(),
			)
			if dlqErr := s.queue.MoveToDeadLetter(ctx, processingQueue, token, err.Error()); dlqErr != nil {
				logger.Error("dead-letter move failed", "correlation_id", correlationID, "error", dlqErr.Error())
			}
			continue
		}

		messagesTotal.WithLabelValues(kind, "processed").Inc()
		if err := s.queue.Acknowledge(ctx, processingQueue, token); err != nil {
			logger.Error("acknowledge failed after successful processing",
				"correlation_id", correlationID,
				"error", err.Error(),
			)
		}
	}
}

func (s *Service) handleUsageRecord(ctx context.Context, correlationID, token string) error {
	var record models.UsageRecord
	if err := json.Unmarshal([]byte(token), &record); err != nil {
		return fmt.Errorf("decode usage record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("validate usage record: %w", err)
	}

	enriched := models.EnrichedUsageRecord{
		UsageRecord:         record,
		ServerInstanceID:    s.cfg.Server.ServerID,
		APIServerRegion:     s.cfg.Server.Region,
		ProcessingTimestamp: s.now().UTC(),
		AgentVersion:        s.cfg.Server.Version,
	}

	resp, err := s.remote.SubmitUsageRecords(ctx, correlationID, []models.EnrichedUsageRecord{enriched})
	if err != nil {
		return fmt.Errorf("submit usage record %s: %w", record.TransactionID, err)
	}
	if resp.SubmittedCount == 0 {
		return fmt.Errorf("control plane accepted 0 usage records for transaction %s", record.TransactionID)
	}
	return nil
}

func (s *Service) handleLifecycleEvent(ctx context.Context, correlationID, token string) error {
	var event models.SessionLifecycleEvent
	if err := json.Unmarshal([]byte(token), &event); err != nil {
		return fmt.Errorf("decode session lifecycle event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validate session lifecycle event: %w", err)
	}

	switch event.EventType {
	case models.SessionEventStart:
		if err := s.remote.NotifySessionStart(ctx, correlationID, event); err != nil {
			return fmt.Errorf("notify session start %s: %w", event.APISessionID, err)
		}
	case models.SessionEventComplete:
		if err := s.remote.NotifySessionComplete(ctx, correlationID, event); err != nil {
			return fmt.Errorf("notify session complete %s: %w", event.APISessionID, err)
		}
	}
	return nil
}

func (s *Service) handleQuotaRequest(ctx context.Context, correlationID, token string) error {
	var req models.QuotaRefreshRequest
	if err := json.Unmarshal([]byte(token), &req); err != nil {
		return fmt.Errorf("decode quota refresh request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("validate quota refresh request: %w", err)
	}

	resp, err := s.remote.RequestQuotaRefresh(ctx, correlationID, req)
	if err != nil {
		return fmt.Errorf("request quota refresh for session %s: %w", req.APISessionID, err)
	}

	// Relay the allocation back to the producer. Best-effort: the refresh
	// itself succeeded, so a relay failure must not dead-letter the request.
	if resp != nil {
		if err := s.queue.Publish(ctx, s.cfg.Redis.QuotaResponse, resp); err != nil {
			s.logger.Error("failed to relay quota response",
				"correlation_id", correlationID,
				"api_session_id", req.APISessionID,
				"error", err.Error(),
			)
		}
	}
	return nil
}
