package models

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry wraps a message that failed processing, preserved on the
// dead letter queue for operator inspection. Append-only; never reprocessed
// by the agent itself.
type DeadLetterEntry struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	ErrorInfo       string          `json:"error_info"`
	ProcessingQueue string          `json:"processing_queue"`
	FailedAt        time.Time       `json:"failed_at"`
}
