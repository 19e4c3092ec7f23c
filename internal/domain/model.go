package domain

import "time"

// ClientType identifies the wire dialect spoken by an inbound client.
type ClientType string

const (
	ClientTypeOpenAI ClientType = "openai"
	ClientTypeClaude ClientType = "claude"
	ClientTypeGemini ClientType = "gemini"
)

// AccountStatus lifecycle: created active, flipped to error on refresh
// failure, disabled only by the admin layer.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
	AccountStatusError    AccountStatus = "error"
)

// ModelQuota is the per-model slice of an account's upstream quota.
// Remaining is clamped to [0,1]; ResetAt is absolute Unix milliseconds.
type ModelQuota struct {
	Remaining float64 `json:"remaining"`
	ResetAt   int64   `json:"reset_at"`
}

// Account is one OAuth-backed upstream identity. RefreshToken is the source
// of truth; AccessToken may be absent or stale and is rewritten by the token
// service.
type Account struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`

	RefreshToken   string `json:"refresh_token"`
	AccessToken    string `json:"access_token,omitempty"`
	TokenExpiresAt int64  `json:"token_expires_at,omitempty"` // unix ms

	ProjectID string `json:"project_id,omitempty"`
	Tier      string `json:"tier,omitempty"`

	Status     AccountStatus `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
	LastUsedAt int64         `json:"last_used_at,omitempty"` // unix ms
	ErrorCount int           `json:"error_count"`

	QuotaRemaining float64               `json:"quota_remaining"`
	QuotaResetAt   int64                 `json:"quota_reset_at,omitempty"`
	ModelQuotas    map[string]ModelQuota `json:"model_quotas,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpiryBuffer: a token closer than this to its expiry is treated as
// stale and refreshed before use.
const TokenExpiryBuffer = 5 * time.Minute

// NeedsRefresh reports whether the access token is missing or inside the
// expiry buffer.
func (a *Account) NeedsRefresh(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	return now.UnixMilli() >= a.TokenExpiresAt-TokenExpiryBuffer.Milliseconds()
}

// Usable reports whether the pool may hand this account out at all.
func (a *Account) Usable() bool {
	return a.Status == AccountStatusActive
}

// Cooldown is one per-(account,model) capacity window.
type Cooldown struct {
	AccountID  uint64    `json:"account_id"`
	Model      string    `json:"model"`
	Until      time.Time `json:"until"`
	LastReason string    `json:"last_reason,omitempty"`
}

// RequestLog is one persisted record of a proxied request.
type RequestLog struct {
	ID           uint64     `json:"id"`
	ClientType   ClientType `json:"client_type"`
	Model        string     `json:"model"`
	MappedModel  string     `json:"mapped_model,omitempty"`
	AccountID    uint64     `json:"account_id,omitempty"`
	AccountEmail string     `json:"account_email,omitempty"`
	Status       string     `json:"status"` // completed / failed / aborted
	HTTPStatus   int        `json:"http_status,omitempty"`
	Stream       bool       `json:"stream"`
	Attempts     int        `json:"attempts"`
	DurationMs   int64      `json:"duration_ms"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SignatureKind namespaces the persisted signature cache rows.
type SignatureKind string

const (
	SignatureKindToolThought SignatureKind = "tool_thought"
	SignatureKindThinking    SignatureKind = "thinking"
	SignatureKindLastUser    SignatureKind = "last_user"
	SignatureKindAssistant   SignatureKind = "assistant"
)

// SignatureRow is the durable form of one cached thought signature.
type SignatureRow struct {
	Kind      SignatureKind `json:"kind"`
	CacheKey  string        `json:"cache_key"`
	Signature string        `json:"signature"`
	SavedAt   int64         `json:"saved_at"` // unix ms
}

// ModelMapping maps a public model name pattern to the upstream name.
// Patterns support '*' wildcards; first match wins by ascending priority.
type ModelMapping struct {
	ID       uint64 `json:"id"`
	Pattern  string `json:"pattern"`
	Target   string `json:"target"`
	Priority int    `json:"priority"`
}
