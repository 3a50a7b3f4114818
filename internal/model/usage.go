package model

import "time"

// APIUsage is one gated request as recorded after it completed.
type APIUsage struct {
	APIKeyID   string        `json:"api_key_id"`
	AccountID  string        `json:"account_id"`
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	RequestID  string        `json:"request_id,omitempty"`
	At         time.Time     `json:"at"`
}

// AuditEntry records a mutation performed on behalf of an account.
type AuditEntry struct {
	AccountID    string         `json:"account_id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	At           time.Time      `json:"at"`
}
