// Package command polls the control plane for remote commands and executes
// them exactly once per delivery, deduplicated through the shared cache.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/models"
)

// pollErrorSleep is the pause after a failed poll before the loop retries.
const pollErrorSleep = 5 * time.Second

// executedKeyPrefix namespaces idempotency markers in the shared cache.
const executedKeyPrefix = "executed_commands:"

// cache is the idempotency store, backed by the queue client.
type cache interface {
	SetCache(ctx context.Context, key, value string, ttl time.Duration) error
	GetCache(ctx context.Context, key string) (string, bool, error)
}

// remote is the control plane surface the processor uses.
type remote interface {
	PollCommands(ctx context.Context, serverID string) ([]models.RemoteCommand, error)
	ReportCommandResult(ctx context.Context, serverID string, result models.CommandResult) error
	FetchJWTPublicKeys(ctx context.Context, forceRefresh bool) (map[string]any, error)
}

// statusReporter supplies the snapshots the health_check and get_metrics
// commands return. Implemented by the health service.
type statusReporter interface {
	HealthStatus(ctx context.Context) models.HealthStatus
	MetricsData(ctx context.Context) models.MetricsData
}

// Processor runs the command poll loop.
type Processor struct {
	cfg    *config.Config
	cache  cache
	remote remote
	status statusReporter
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the command processor.
func New(cfg *config.Config, cache cache, remote remote, status statusReporter, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		cache:  cache,
		remote: remote,
		status: status,
		logger: logger.With("service", "command_processor"),
		now:    time.Now,
	}
}

// Start launches the poll loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("command processor started", "poll_interval", p.cfg.Monitoring.CommandPollInterval)
}

// Stop cancels the poll loop and waits for it up to timeout.
func (p *Processor) Stop(timeout time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("command processor stopped")
	case <-time.After(timeout):
		p.logger.Warn("command processor did not stop within timeout", "timeout", timeout)
	}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("command poll failed", "error", err.Error())
			if linger.Sleep(ctx, pollErrorSleep) != nil {
				return
			}
			continue
		}
		if linger.Sleep(ctx, p.cfg.Monitoring.CommandPollInterval) != nil {
			return
		}
	}
}

// pollOnce fetches pending commands and executes each at most once.
func (p *Processor) pollOnce(ctx context.Context) error {
	commands, err := p.remote.PollCommands(ctx, p.cfg.Server.ServerID)
	if err != nil {
		return err
	}

	for _, cmd := range commands {
		if cmd.CommandID == "" {
			p.logger.Warn("skipping command without an id", "command_type", cmd.CommandType)
			continue
		}

		key := executedKeyPrefix + cmd.CommandID
		if _, executed, err := p.cache.GetCache(ctx, key); err != nil {
			p.logger.Error("idempotency check failed, skipping command this cycle",
				"command_id", cmd.CommandID,
				"error", err.Error(),
			)
			continue
		} else if executed {
			p.logger.Debug("command already executed, skipping redelivery", "command_id", cmd.CommandID)
			continue
		}

		result := p.execute(ctx, cmd)

		// Mark executed regardless of outcome: redelivery must not re-run a
		// command whose side effects may already have happened.
		if err := p.cache.SetCache(ctx, key, "executed", p.cfg.Monitoring.CommandCacheTTL); err != nil {
			p.logger.Error("failed to record command execution marker",
				"command_id", cmd.CommandID,
				"error", err.Error(),
			)
		}

		if err := p.remote.ReportCommandResult(ctx, p.cfg.Server.ServerID, result); err != nil {
			p.logger.Error("failed to report command result",
				"command_id", cmd.CommandID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// execute dispatches over the closed command set and builds the result.
func (p *Processor) execute(ctx context.Context, cmd models.RemoteCommand) models.CommandResult {
	result := models.CommandResult{
		CommandID:          cmd.CommandID,
		ExecutionTimestamp: p.now().UTC(),
	}

	logger := p.logger.With("command_id", cmd.CommandID, "command_type", string(cmd.CommandType))
	logger.Info("executing remote command")

	switch cmd.CommandType {
	case models.CommandRefreshPublicKeys:
		keys, err := p.remote.FetchJWTPublicKeys(ctx, true)
		if err != nil {
			result.ErrorMessage = fmt.Sprintf("refresh public keys: %v", err)
			break
		}
		result.Success = true
		result.Result = map[string]any{"keys_refreshed": true, "key_count": len(keys)}

	case models.CommandHealthCheck:
		result.Success = true
		result.Result = map[string]any{"health": p.status.HealthStatus(ctx)}

	case models.CommandGetMetrics:
		result.Success = true
		result.Result = map[string]any{"metrics": p.status.MetricsData(ctx)}

	default:
		err := &models.UnknownCommandError{CommandType: cmd.CommandType}
		result.ErrorMessage = err.Error()
	}

	if !result.Success {
		logger.Warn("remote command failed", "error_message", result.ErrorMessage)
	}
	return result
}
