package models

import (
	"fmt"
	"time"
)

// SessionEventType is the kind of session lifecycle transition being reported.
type SessionEventType string

const (
	SessionEventStart    SessionEventType = "start"
	SessionEventComplete SessionEventType = "complete"
)

// SessionLifecycleEvent notifies the control plane that an audio session
// started or completed.
type SessionLifecycleEvent struct {
	APISessionID      string           `json:"api_session_id"`
	CustomerID        string           `json:"customer_id"`
	TransactionID     string           `json:"transaction_id,omitempty"`
	EventType         SessionEventType `json:"event_type"`
	Timestamp         time.Time        `json:"timestamp"`
	DisconnectReason  string           `json:"disconnect_reason,omitempty"`
	FinalUsageSummary map[string]any   `json:"final_usage_summary,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// Validate checks required fields and that the event type is a known kind.
func (e *SessionLifecycleEvent) Validate() error {
	if e.APISessionID == "" {
		return fmt.Errorf("api_session_id is required")
	}
	if e.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	switch e.EventType {
	case SessionEventStart, SessionEventComplete:
		return nil
	case "":
		return fmt.Errorf("event_type is required")
	default:
		return fmt.Errorf("unknown event_type: %q", e.EventType)
	}
}
