package sqlite

import (
	"github.com/awsl-project/agproxy/internal/domain"
)

type ModelMappingRepository struct {
	db *DB
}

func NewModelMappingRepository(db *DB) *ModelMappingRepository {
	return &ModelMappingRepository{db: db}
}

func (r *ModelMappingRepository) ListModelMappings() ([]*domain.ModelMapping, error) {
	var models []ModelMapping
	if err := r.db.gorm.Order("priority, id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ModelMapping, 0, len(models))
	for i := range models {
		m := &models[i]
		out = append(out, &domain.ModelMapping{
			ID:       m.ID,
			Pattern:  m.Pattern,
			Target:   m.Target,
			Priority: m.Priority,
		})
	}
	return out, nil
}

func (r *ModelMappingRepository) CreateModelMapping(m *domain.ModelMapping) error {
	model := &ModelMapping{
		Pattern:  m.Pattern,
		Target:   m.Target,
		Priority: m.Priority,
	}
	if err := r.db.gorm.Create(model).Error; err != nil {
		return err
	}
	m.ID = model.ID
	return nil
}

func (r *ModelMappingRepository) DeleteModelMapping(id uint64) error {
	return r.db.gorm.Delete(&ModelMapping{}, id).Error
}
