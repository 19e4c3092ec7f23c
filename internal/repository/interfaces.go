// Package repository defines the persistence contracts consumed by the
// proxy core. The sqlite subpackage implements them over gorm.
package repository

import (
	"github.com/awsl-project/agproxy/internal/domain"
)

// AccountRepository is CRUD plus the token-service write path for accounts.
type AccountRepository interface {
	CreateAccount(account *domain.Account) error
	GetAccount(id uint64) (*domain.Account, error)
	ListAccounts() ([]*domain.Account, error)
	UpdateAccount(account *domain.Account) error
	DeleteAccount(id uint64) error
}

// SignatureRepository is the durable backing for the signature cache. It
// satisfies signature.Persister.
type SignatureRepository interface {
	UpsertSignature(row *domain.SignatureRow) error
	GetSignature(kind domain.SignatureKind, cacheKey string) (*domain.SignatureRow, error)
	DeleteSignaturesBefore(kind domain.SignatureKind, cutoffMs int64) error
}

// RequestLogRepository persists per-request outcome records.
type RequestLogRepository interface {
	CreateRequestLog(entry *domain.RequestLog) error
	ListRequestLogs(limit, offset int) ([]*domain.RequestLog, error)
	DeleteRequestLogsBefore(cutoffMs int64) error
}

// ModelMappingRepository stores public-to-upstream model name mappings.
type ModelMappingRepository interface {
	ListModelMappings() ([]*domain.ModelMapping, error)
	CreateModelMapping(m *domain.ModelMapping) error
	DeleteModelMapping(id uint64) error
}
