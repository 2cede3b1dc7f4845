package typ

import (
	"time"
)

// Dialect identifies one of the public wire formats the gateway accepts.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
)

// ProviderKind identifies the family of an upstream provider.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderGemini     ProviderKind = "gemini"
	ProviderWebChat    ProviderKind = "webchat"
	ProviderOpenAIComp ProviderKind = "openai_compatible"
)

// HealthState represents the health of a credential.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthQuarantined HealthState = "quarantined"
)

// AuthType represents the authentication type for a credential.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth  AuthType = "oauth"
)

// OAuthDetail contains OAuth-specific secret material for a credential.
type OAuthDetail struct {
	AccessToken  string                 `json:"access_token"`
	RefreshToken string                 `json:"refresh_token"`
	ExpiresAt    string                 `json:"expires_at"` // RFC3339
	ExtraFields  map[string]interface{} `json:"extra_fields,omitempty"`
}

// UsageSnapshot holds advisory usage numbers fetched from an upstream.
// It is refreshed on a schedule and never authoritative.
type UsageSnapshot struct {
	QueriesUsed  int       `json:"queries_used"`
	QueriesTotal int       `json:"queries_total"`
	WindowResets time.Time `json:"window_resets,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Credential is a single set of secret materials identifying one account at
// one upstream provider. UUID is the stable identity used by logs and pool
// operations.
type Credential struct {
	UUID         string       `json:"uuid" yaml:"uuid"`
	ProviderKind ProviderKind `json:"provider_kind" yaml:"provider_kind"`
	CustomName   string       `json:"custom_name,omitempty" yaml:"custom_name,omitempty"`
	APIBase      string       `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	IsDisabled   bool         `json:"is_disabled" yaml:"is_disabled"`

	AuthType    AuthType     `json:"auth_type" yaml:"auth_type"`
	Token       string       `json:"token,omitempty" yaml:"token,omitempty"`
	OAuthDetail *OAuthDetail `json:"oauth_detail,omitempty" yaml:"oauth_detail,omitempty"`

	// Models this credential declares support for. Empty means "any model".
	Models []string `json:"models,omitempty" yaml:"models,omitempty"`

	HealthState  HealthState    `json:"health_state"`
	ErrorCount   int            `json:"error_count"`
	LastErrorAt  time.Time      `json:"last_error_at,omitempty"`
	LastErrorMsg string         `json:"last_error_msg,omitempty"`
	LastUsedAt   time.Time      `json:"last_used_at,omitempty"`
	Usage        *UsageSnapshot `json:"usage_snapshot,omitempty"`

	// QuarantinedAt and QuarantineCount drive the growing cooldown.
	QuarantinedAt   time.Time `json:"quarantined_at,omitempty"`
	QuarantineCount int       `json:"quarantine_count,omitempty"`
}

// GetAccessToken returns the secret used on the wire for this credential.
func (c *Credential) GetAccessToken() string {
	switch c.AuthType {
	case AuthTypeOAuth:
		if c.OAuthDetail != nil {
			return c.OAuthDetail.AccessToken
		}
	case AuthTypeAPIKey, "":
		return c.Token
	}
	return ""
}

// TokenExpiry returns the parsed OAuth expiry, or the zero time when the
// credential has no expiring token.
func (c *Credential) TokenExpiry() time.Time {
	if c.OAuthDetail == nil || c.OAuthDetail.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.OAuthDetail.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Eligible reports whether the credential may be selected right now.
// A credential is eligible iff it is enabled, not quarantined, and its token
// (when it has one) is not already past expiry minus skew.
func (c *Credential) Eligible(now time.Time, skew time.Duration) bool {
	if c.IsDisabled {
		return false
	}
	if c.HealthState == HealthQuarantined {
		return false
	}
	if exp := c.TokenExpiry(); !exp.IsZero() && !exp.After(now.Add(-skew)) {
		return false
	}
	return true
}

// SupportsModel reports whether the credential declares support for model.
// Credentials with no declared model set accept any model.
func (c *Credential) SupportsModel(model string) bool {
	if model == "" || len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// FallbackRule is one entry of a per-provider failover chain.
type FallbackRule struct {
	Kind ProviderKind `json:"kind" yaml:"kind"`
	// ModelRewrite maps the requested model to the model used on the
	// fallback provider. Empty means keep the requested model.
	ModelRewrite string `json:"model_rewrite,omitempty" yaml:"model_rewrite,omitempty"`
}

// ModelInfo describes one entry of a provider's model catalogue.
type ModelInfo struct {
	ID        string    `json:"id"`
	OwnedBy   string    `json:"owned_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
