// Package connstate tracks control-plane connectivity and implements the
// circuit breaker that gates every outbound control-plane call.
package connstate

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// failureThreshold is the number of consecutive failures that opens the circuit.
const failureThreshold = 3

// State is the process-wide connection state manager. Construct one at startup
// and pass it to every component that talks to the control plane. All methods
// are safe for concurrent use.
type State struct {
	initialDelay time.Duration
	multiplier   float64
	maxBackoff   time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu                  sync.Mutex
	connected           bool
	consecutiveFailures int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	circuitOpen         bool
	circuitOpenTime     time.Time
}

// Info is a read-only snapshot of the connection state for health reporting.
type Info struct {
	Connected           bool          `json:"is_connected"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpen         bool          `json:"circuit_open"`
	LastSuccessTime     time.Time     `json:"last_success_time"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
	CurrentBackoff      time.Duration `json:"current_backoff_delay"`
}

// New creates a connection state manager. The breaker starts closed and the
// connection is assumed healthy until the first failure.
func New(initialDelay time.Duration, multiplier float64, maxBackoff time.Duration, logger *slog.Logger) *State {
	return &State{
		initialDelay: initialDelay,
		multiplier:   multiplier,
		maxBackoff:   maxBackoff,
		logger:       logger.With("service", "connstate"),
		now:          time.Now,
		connected:    true,
	}
}

// MarkSuccess records a successful control-plane operation. Resets the failure
// count and closes the circuit.
func (s *State) MarkSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOpen := s.circuitOpen
	failuresBefore := s.consecutiveFailures

	s.connected = true
	s.consecutiveFailures = 0
	s.lastSuccessTime = s.now()
	s.circuitOpen = false
	s.circuitOpenTime = time.Time{}

	if wasOpen {
		s.logger.Info("circuit breaker closed, connection recovered",
			"previous_failures", failuresBefore,
			"downtime_seconds", int(s.now().Sub(s.lastFailureTime).Seconds()),
		)
	} else if failuresBefore > 0 {
		s.logger.Info("connection stabilized after failures",
			"recovered_from_failures", failuresBefore,
		)
	}
}

// MarkFailure records a failed control-plane operation. Opens the circuit once
// the consecutive failure count reaches the threshold.
func (s *State) MarkFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.consecutiveFailures++
	s.lastFailureTime = s.now()

	if s.consecutiveFailures >= failureThreshold {
		wasOpen := s.circuitOpen
		s.circuitOpen = true
		s.circuitOpenTime = s.now()

		if !wasOpen {
			s.logger.Warn("circuit breaker opened, too many consecutive failures",
				"consecutive_failures", s.consecutiveFailures,
				"next_retry_delay", s.backoffDelayLocked(),
			)
		}
	} else {
		s.logger.Debug("connection failure recorded",
			"consecutive_failures", s.consecutiveFailures,
			"failures_until_circuit_open", failureThreshold-s.consecutiveFailures,
		)
	}
}

// BackoffDelay returns the current backoff delay: zero with no failures,
// otherwise initialDelay * multiplier^(failures-1), capped at maxBackoff.
func (s *State) BackoffDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffDelayLocked()
}

func (s *State) backoffDelayLocked() time.Duration {
	if s.consecutiveFailures == 0 {
		return 0
	}
	delay := time.Duration(float64(s.initialDelay) * math.Pow(s.multiplier, float64(s.consecutiveFailures-1)))
	if delay > s.maxBackoff || delay < 0 {
		return s.maxBackoff
	}
	return delay
}

// ShouldAttemptRequest reports whether an outbound call may be attempted.
// Closed circuit: always true. Open circuit: true only once the backoff window
// has elapsed (half-open probe). The probe itself does not change state; the
// caller's subsequent MarkSuccess or MarkFailure settles it.
func (s *State) ShouldAttemptRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.circuitOpen {
		return true
	}

	sinceOpen := s.now().Sub(s.circuitOpenTime)
	backoff := s.backoffDelayLocked()
	if sinceOpen >= backoff {
		s.logger.Info("circuit breaker half-open, allowing test request",
			"time_since_open", sinceOpen,
			"backoff_delay", backoff,
		)
		return true
	}

	s.logger.Debug("circuit breaker open, request blocked",
		"remaining_wait", backoff-sinceOpen,
	)
	return false
}

// Healthy reports whether the connection is considered usable: connected and
// circuit closed.
func (s *State) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.circuitOpen
}

// Info returns a snapshot of all fields plus the current backoff delay.
func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Connected:           s.connected,
		ConsecutiveFailures: s.consecutiveFailures,
		CircuitOpen:         s.circuitOpen,
		LastSuccessTime:     s.lastSuccessTime,
		LastFailureTime:     s.lastFailureTime,
		CurrentBackoff:      s.backoffDelayLocked(),
	}
}
