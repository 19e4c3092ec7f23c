package sqlite

import (
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
)

type RequestLogRepository struct {
	db *DB
}

func NewRequestLogRepository(db *DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

func (r *RequestLogRepository) CreateRequestLog(entry *domain.RequestLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	model := &RequestLog{
		BaseModel:    BaseModel{CreatedAt: entry.CreatedAt.UnixMilli()},
		ClientType:   string(entry.ClientType),
		Model:        entry.Model,
		MappedModel:  entry.MappedModel,
		AccountID:    entry.AccountID,
		AccountEmail: entry.AccountEmail,
		Status:       entry.Status,
		HTTPStatus:   entry.HTTPStatus,
		Stream:       entry.Stream,
		Attempts:     entry.Attempts,
		DurationMs:   entry.DurationMs,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		Error:        LongText(entry.Error),
	}
	if err := r.db.gorm.Create(model).Error; err != nil {
		return err
	}
	entry.ID = model.ID
	return nil
}

func (r *RequestLogRepository) ListRequestLogs(limit, offset int) ([]*domain.RequestLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []RequestLog
	err := r.db.gorm.Order("id DESC").Limit(limit).Offset(offset).Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.RequestLog, 0, len(models))
	for i := range models {
		m := &models[i]
		out = append(out, &domain.RequestLog{
			ID:           m.ID,
			ClientType:   domain.ClientType(m.ClientType),
			Model:        m.Model,
			MappedModel:  m.MappedModel,
			AccountID:    m.AccountID,
			AccountEmail: m.AccountEmail,
			Status:       m.Status,
			HTTPStatus:   m.HTTPStatus,
			Stream:       m.Stream,
			Attempts:     m.Attempts,
			DurationMs:   m.DurationMs,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			Error:        string(m.Error),
			CreatedAt:    time.UnixMilli(m.CreatedAt),
		})
	}
	return out, nil
}

func (r *RequestLogRepository) DeleteRequestLogsBefore(cutoffMs int64) error {
	return r.db.gorm.Where("created_at < ?", cutoffMs).Delete(&RequestLog{}).Error
}
