package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/domain"
)

// DefaultTier is assumed when loadCodeAssist reports no tier.
const DefaultTier = "free-tier"

// FetchProjectID resolves the cloudaicompanion project backing an account.
// Called once after onboarding and whenever the stored project is empty.
func (s *TokenService) FetchProjectID(ctx context.Context, account *domain.Account) error {
	if err := s.EnsureValidToken(ctx, account); err != nil {
		return err
	}
	accessToken := account.AccessToken

	payload := map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	body, err := s.postInternal(ctx, accessToken, ":loadCodeAssist", payload)
	if err != nil {
		return err
	}

	var result struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
		CurrentTier             struct {
			ID string `json:"id"`
		} `json:"currentTier"`
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse loadCodeAssist response: %w", err)
	}

	account.ProjectID = result.CloudAICompanionProject
	account.Tier = result.CurrentTier.ID
	if account.Tier == "" {
		account.Tier = DefaultTier
	}
	return s.accounts.UpdateAccount(account)
}

// SyncQuota refreshes the per-model quota snapshot for one account. The
// account-level figure is the minimum remaining fraction over the models this
// proxy serves, or zero when quota info is absent entirely.
func (s *TokenService) SyncQuota(ctx context.Context, account *domain.Account) error {
	accessToken := account.AccessToken
	if account.NeedsRefresh(s.now()) {
		var err error
		accessToken, err = s.ForceRefreshToken(ctx, account)
		if err != nil {
			return err
		}
	}

	payload := map[string]interface{}{}
	if account.ProjectID != "" {
		payload["project"] = account.ProjectID
	}
	body, err := s.postInternal(ctx, accessToken, ":fetchAvailableModels", payload)
	if err != nil {
		return err
	}

	var result struct {
		Models map[string]struct {
			DisplayName string `json:"displayName"`
			QuotaInfo   *struct {
				RemainingFraction float64 `json:"remainingFraction"`
				ResetTime         string  `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse fetchAvailableModels response: %w", err)
	}

	var exposed map[string]bool
	if s.exposedModels != nil {
		if names := s.exposedModels(); len(names) > 0 {
			exposed = make(map[string]bool, len(names))
			for _, n := range names {
				exposed[n] = true
			}
		}
	}

	quotas := make(map[string]domain.ModelQuota, len(result.Models))
	minRemaining := -1.0
	var minResetAt int64
	for name, m := range result.Models {
		if m.QuotaInfo == nil {
			continue
		}
		remaining := m.QuotaInfo.RemainingFraction
		if remaining < 0 {
			remaining = 0
		} else if remaining > 1 {
			remaining = 1
		}
		var resetAt int64
		if m.QuotaInfo.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, m.QuotaInfo.ResetTime); err == nil {
				resetAt = t.UnixMilli()
			}
		}
		quotas[name] = domain.ModelQuota{Remaining: remaining, ResetAt: resetAt}
		if exposed != nil && !exposed[name] {
			continue
		}
		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
			minResetAt = resetAt
		}
	}

	account.ModelQuotas = quotas
	if minRemaining < 0 {
		account.QuotaRemaining = 0
		account.QuotaResetAt = 0
	} else {
		account.QuotaRemaining = minRemaining
		account.QuotaResetAt = minResetAt
	}
	return s.accounts.UpdateAccount(account)
}

func (s *TokenService) postInternal(ctx context.Context, accessToken, method string, payload interface{}) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", AntigravityUserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, respBody)
	}
	return respBody, nil
}
