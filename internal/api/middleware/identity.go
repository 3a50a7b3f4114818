package middleware

import (
	"context"

	"github.com/edvin/iotgate/internal/model"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// GetAPIKey returns the key the gate admitted for this request.
func GetAPIKey(ctx context.Context) *model.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*model.APIKey)
	return key
}

// WithAPIKey attaches key to ctx. Used by tests and internal callers that
// bypass the gate.
func WithAPIKey(ctx context.Context, key *model.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}
