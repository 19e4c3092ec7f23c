package sqlite

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/domain"
)

type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) CreateAccount(a *domain.Account) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	model := accountToModel(a)
	if err := r.db.gorm.Create(model).Error; err != nil {
		return err
	}
	a.ID = model.ID
	return nil
}

func (r *AccountRepository) GetAccount(id uint64) (*domain.Account, error) {
	var model Account
	if err := r.db.gorm.First(&model, id).Error; err != nil {
		return nil, err
	}
	return accountToDomain(&model), nil
}

func (r *AccountRepository) ListAccounts() ([]*domain.Account, error) {
	var models []Account
	if err := r.db.gorm.Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Account, 0, len(models))
	for i := range models {
		out = append(out, accountToDomain(&models[i]))
	}
	return out, nil
}

func (r *AccountRepository) UpdateAccount(a *domain.Account) error {
	a.UpdatedAt = time.Now()
	return r.db.gorm.Save(accountToModel(a)).Error
}

func (r *AccountRepository) DeleteAccount(id uint64) error {
	return r.db.gorm.Delete(&Account{}, id).Error
}

func accountToModel(a *domain.Account) *Account {
	quotas := ""
	if len(a.ModelQuotas) > 0 {
		if raw, err := sonic.MarshalString(a.ModelQuotas); err == nil {
			quotas = raw
		}
	}
	return &Account{
		BaseModel: BaseModel{
			ID:        a.ID,
			CreatedAt: a.CreatedAt.UnixMilli(),
			UpdatedAt: a.UpdatedAt.UnixMilli(),
		},
		Email:          a.Email,
		RefreshToken:   LongText(a.RefreshToken),
		AccessToken:    LongText(a.AccessToken),
		TokenExpiresAt: a.TokenExpiresAt,
		ProjectID:      a.ProjectID,
		Tier:           a.Tier,
		Status:         string(a.Status),
		LastError:      LongText(a.LastError),
		LastUsedAt:     a.LastUsedAt,
		ErrorCount:     a.ErrorCount,
		QuotaRemaining: a.QuotaRemaining,
		QuotaResetAt:   a.QuotaResetAt,
		ModelQuotas:    LongText(quotas),
	}
}

func accountToDomain(m *Account) *domain.Account {
	var quotas map[string]domain.ModelQuota
	if m.ModelQuotas != "" {
		_ = sonic.UnmarshalString(string(m.ModelQuotas), &quotas)
	}
	return &domain.Account{
		ID:             m.ID,
		Email:          m.Email,
		RefreshToken:   string(m.RefreshToken),
		AccessToken:    string(m.AccessToken),
		TokenExpiresAt: m.TokenExpiresAt,
		ProjectID:      m.ProjectID,
		Tier:           m.Tier,
		Status:         domain.AccountStatus(m.Status),
		LastError:      string(m.LastError),
		LastUsedAt:     m.LastUsedAt,
		ErrorCount:     m.ErrorCount,
		QuotaRemaining: m.QuotaRemaining,
		QuotaResetAt:   m.QuotaResetAt,
		ModelQuotas:    quotas,
		CreatedAt:      time.UnixMilli(m.CreatedAt),
		UpdatedAt:      time.UnixMilli(m.UpdatedAt),
	}
}
