package sqlite

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/awsl-project/agproxy/internal/domain"
)

// SignatureRepository is the durable backing for the in-memory signature
// cache. Satisfies signature.Persister.
type SignatureRepository struct {
	db *DB
}

func NewSignatureRepository(db *DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

func (r *SignatureRepository) UpsertSignature(row *domain.SignatureRow) error {
	model := &SignatureCache{
		Kind:      string(row.Kind),
		CacheKey:  row.CacheKey,
		Signature: LongText(row.Signature),
		SavedAt:   row.SavedAt,
	}
	return r.db.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"signature", "saved_at"}),
	}).Create(model).Error
}

func (r *SignatureRepository) GetSignature(kind domain.SignatureKind, cacheKey string) (*domain.SignatureRow, error) {
	var model SignatureCache
	err := r.db.gorm.Where("kind = ? AND cache_key = ?", string(kind), cacheKey).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.SignatureRow{
		Kind:      domain.SignatureKind(model.Kind),
		CacheKey:  model.CacheKey,
		Signature: string(model.Signature),
		SavedAt:   model.SavedAt,
	}, nil
}

func (r *SignatureRepository) DeleteSignaturesBefore(kind domain.SignatureKind, cutoffMs int64) error {
	return r.db.gorm.Where("kind = ? AND saved_at < ?", string(kind), cutoffMs).Delete(&SignatureCache{}).Error
}
