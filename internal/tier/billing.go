package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BillingClient looks up account tiers from the subscription service.
type BillingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBillingClient creates a client for the billing API at baseURL.
func NewBillingClient(baseURL, apiKey string) *BillingClient {
	return &BillingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type tierResponse struct {
	Tier string `json:"tier"`
}

// TierName implements Provider.
func (c *BillingClient) TierName(ctx context.Context, accountID string) (string, error) {
	path := "/accounts/" + url.PathEscape(accountID) + "/tier"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("billing API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("billing API %s: status %d", path, resp.StatusCode)
	}

	var body tierResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if body.Tier == "" {
		return "", fmt.Errorf("billing API %s: empty tier", path)
	}
	return body.Tier, nil
}

// StaticProvider serves tiers from a fixed map. Accounts not in the map get
// the fallback tier.
type StaticProvider struct {
	tiers    map[string]string
	fallback string
}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider(tiers map[string]string, fallback string) *StaticProvider {
	return &StaticProvider{tiers: tiers, fallback: fallback}
}

// ParseStatic parses "acct-1=enterprise,acct-2=professional".
func ParseStatic(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		account, name, ok := strings.Cut(pair, "=")
		if !ok || account == "" || name == "" {
			return nil, fmt.Errorf("invalid static tier entry %q", pair)
		}
		if _, known := Default(name); !known {
			return nil, fmt.Errorf("unknown tier %q for account %s", name, account)
		}
		out[strings.TrimSpace(account)] = strings.TrimSpace(name)
	}
	return out, nil
}

// TierName implements Provider.
func (p *StaticProvider) TierName(_ context.Context, accountID string) (string, error) {
	if name, ok := p.tiers[accountID]; ok {
		return name, nil
	}
	return p.fallback, nil
}

type overridesFile struct {
	Accounts map[string]Override `yaml:"accounts"`
}

// LoadOverrides reads per-account overrides from a YAML file of the form:
//
//	accounts:
//	  acct-123:
//	    tier: professional
//	    hourly_limit: 20000
//	    burst_allowance: 1000
func LoadOverrides(path string) (map[string]Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier overrides: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tier overrides: %w", err)
	}
	for id, o := range f.Accounts {
		if o.Tier == "" {
			continue
		}
		if _, ok := Default(o.Tier); !ok {
			return nil, fmt.Errorf("tier overrides: unknown tier %q for account %s", o.Tier, id)
		}
	}
	return f.Accounts, nil
}
