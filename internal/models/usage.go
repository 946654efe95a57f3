package models

import (
	"fmt"
	"time"
)

// ProductCode identifies the billable product a usage record belongs to.
type ProductCode string

const (
	ProductSpeechToTextStandard ProductCode = "SPEECH_TO_TEXT_STANDARD"
)

// UsageRecord is a billing usage record produced by the audio API tier and
// drained from the usage records queue.
type UsageRecord struct {
	TransactionID             string      `json:"transaction_id"`
	APISessionID              string      `json:"api_session_id"`
	CustomerID                string      `json:"customer_id"`
	ProductCode               ProductCode `json:"product_code,omitempty"`
	ConnectionDurationSeconds float64     `json:"connection_duration_seconds"`
	DataBytesProcessed        int64       `json:"data_bytes_processed"`
	AudioDurationSeconds      float64     `json:"audio_duration_seconds"`
	RequestTimestamp          time.Time   `json:"request_timestamp"`
	ResponseTimestamp         time.Time   `json:"response_timestamp"`
}

// Validate checks required fields and value ranges.
func (r *UsageRecord) Validate() error {
	if r.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if r.APISessionID == "" {
		return fmt.Errorf("api_session_id is required")
	}
	if r.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	if r.ConnectionDurationSeconds < 0 {
		return fmt.Errorf("connection_duration_seconds must be non-negative")
	}
	if r.DataBytesProcessed < 0 {
		return fmt.Errorf("data_bytes_processed must be non-negative")
	}
	if r.AudioDurationSeconds < 0 {
		return fmt.Errorf("audio_duration_seconds must be non-negative")
	}
	if r.RequestTimestamp.IsZero() {
		return fmt.Errorf("request_timestamp is required")
	}
	if r.ResponseTimestamp.IsZero() {
		return fmt.Errorf("response_timestamp is required")
	}
	if r.ResponseTimestamp.Before(r.RequestTimestamp) {
		return fmt.Errorf("response_timestamp must be after request_timestamp")
	}
	return nil
}

// EnrichedUsageRecord is a usage record extended with agent-identifying
// metadata before submission to the control plane. Immutable once built.
type EnrichedUsageRecord struct {
	UsageRecord
	ServerInstanceID    string    `json:"server_instance_id"`
	APIServerRegion     string    `json:"api_server_region"`
	ProcessingTimestamp time.Time `json:"processing_timestamp"`
	AgentVersion        string    `json:"agent_version"`
}
