package models

import (
	"fmt"
	"time"
)

// CommandType is the closed set of remote commands the agent executes.
type CommandType string

const (
	CommandRefreshPublicKeys CommandType = "refresh_public_keys"
	CommandHealthCheck       CommandType = "health_check"
	CommandGetMetrics        CommandType = "get_metrics"
)

// UnknownCommandError is returned when the control plane delivers a command
// kind this agent version does not implement.
type UnknownCommandError struct {
	CommandType CommandType
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type: %q", e.CommandType)
}

// RemoteCommand is a command delivered by the control plane, identified by the
// control plane's command ID.
type RemoteCommand struct {
	CommandID   string         `json:"command_id"`
	CommandType CommandType    `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// CommandResult reports the outcome of executing a remote command.
type CommandResult struct {
	CommandID          string         `json:"command_id"`
	Success            bool           `json:"success"`
	Result             map[string]any `json:"result,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ExecutionTimestamp time.Time      `json:"execution_timestamp"`
}
