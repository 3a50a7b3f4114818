package model

// API scopes.
const (
	ScopeDevicesRead   = "devices:read"
	ScopeDevicesWrite  = "devices:write"
	ScopeAnalyticsRead = "analytics:read"
	ScopePatternsRead  = "patterns:read"
	ScopeAlertsRead    = "alerts:read"
	ScopeAlertsWrite   = "alerts:write"
	ScopeExportsRead   = "exports:read"
	ScopeExportsWrite  = "exports:write"
	ScopeWebhooksRead  = "webhooks:read"
	ScopeWebhooksWrite = "webhooks:write"
	ScopeKeysRead      = "keys:read"
	ScopeKeysWrite     = "keys:write"
	ScopeEventsPublish = "events:publish"
)

// AllScopes is the full scope catalog.
var AllScopes = []string{
	ScopeDevicesRead,
	ScopeDevicesWrite,
	ScopeAnalyticsRead,
	ScopePatternsRead,
	ScopeAlertsRead,
	ScopeAlertsWrite,
	ScopeExportsRead,
	ScopeExportsWrite,
	ScopeWebhooksRead,
	ScopeWebhooksWrite,
	ScopeKeysRead,
	ScopeKeysWrite,
	ScopeEventsPublish,
}
