package request

import "time"

// IssueKey holds the request body for issuing an API key.
type IssueKey struct {
	Name      string     `json:"name" validate:"required,keyname"`
	Scopes    []string   `json:"scopes" validate:"required,min=1,dive,scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
