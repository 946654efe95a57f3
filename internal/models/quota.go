package models

import (
	"fmt"
	"time"
)

// QuotaRefreshRequest asks the control plane for additional quota for an
// active session.
type QuotaRefreshRequest struct {
	TransactionID  string    `json:"transaction_id"`
	APISessionID   string    `json:"api_session_id"`
	CustomerID     string    `json:"customer_id"`
	CurrentUsage   float64   `json:"current_usage"`
	RequestedQuota float64   `json:"requested_quota"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks required fields and value ranges.
func (q *QuotaRefreshRequest) Validate() error {
	if q.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if q.APISessionID == "" {
		return fmt.Errorf("api_session_id is required")
	}
	if q.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	if q.CurrentUsage < 0 {
		return fmt.Errorf("current_usage must be non-negative")
	}
	if q.RequestedQuota <= 0 {
		return fmt.Errorf("requested_quota must be positive")
	}
	return nil
}

// QuotaRefreshResponse is the control plane's allocation answer, relayed back
// to the producer on the quota response queue.
type QuotaRefreshResponse struct {
	APISessionID   string    `json:"api_session_id"`
	NewQuotaAmount float64   `json:"new_quota_amount"`
	FinalQuota     bool      `json:"final_quota"`
	TransactionID  string    `json:"transaction_id"`
	Timestamp      time.Time `json:"timestamp"`
}
