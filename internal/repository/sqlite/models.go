package sqlite

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// GORM models. Domain structs are converted to and from these in the
// repository methods.

// LongText maps to LONGTEXT on MySQL and TEXT elsewhere.
type LongText string

func (LongText) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "longtext"
	default:
		return "text"
	}
}

type BaseModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt int64
	UpdatedAt int64
}

func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	return nil
}

func (m *BaseModel) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Account is one OAuth-backed upstream identity.
type Account struct {
	BaseModel
	Email          string `gorm:"size:255;index"`
	RefreshToken   LongText
	AccessToken    LongText
	TokenExpiresAt int64
	ProjectID      string `gorm:"size:255"`
	Tier           string `gorm:"size:64"`
	Status         string `gorm:"size:32;index"`
	LastError      LongText
	LastUsedAt     int64
	ErrorCount     int
	QuotaRemaining float64
	QuotaResetAt   int64
	ModelQuotas    LongText // JSON map model -> {remaining, reset_at}
}

func (Account) TableName() string { return "accounts" }

// SignatureCache is one persisted thought signature.
type SignatureCache struct {
	Kind      string `gorm:"size:32;primaryKey"`
	CacheKey  string `gorm:"size:512;primaryKey"`
	Signature LongText
	SavedAt   int64 `gorm:"index"`
}

func (SignatureCache) TableName() string { return "signature_cache" }

// RequestLog is one proxied request outcome.
type RequestLog struct {
	BaseModel
	ClientType   string `gorm:"size:16;index"`
	Model        string `gorm:"size:128"`
	MappedModel  string `gorm:"size:128"`
	AccountID    uint64 `gorm:"index"`
	AccountEmail string `gorm:"size:255"`
	Status       string `gorm:"size:16"`
	HTTPStatus   int
	Stream       bool
	Attempts     int
	DurationMs   int64
	InputTokens  int
	OutputTokens int
	Error        LongText
}

func (RequestLog) TableName() string { return "request_logs" }

// ModelMapping is one public-to-upstream model name rule.
type ModelMapping struct {
	BaseModel
	Pattern  string `gorm:"size:255"`
	Target   string `gorm:"size:255"`
	Priority int    `gorm:"index"`
}

func (ModelMapping) TableName() string { return "model_mappings" }

func AllModels() []interface{} {
	return []interface{}{
		&Account{},
		&SignatureCache{},
		&RequestLog{},
		&ModelMapping{},
	}
}
