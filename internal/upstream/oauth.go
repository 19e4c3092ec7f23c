package upstream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/repository"
)

// Google OAuth client identity used by the Antigravity desktop app.
const (
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"
)

// tokenExpirySlack is subtracted from expires_in so a token is never used in
// its final minute.
const tokenExpirySlack = 60 * time.Second

// TokenService redeems refresh tokens and keeps accounts' access tokens and
// quota data current. Refreshes are singleflight per account id.
type TokenService struct {
	http     *http.Client
	accounts repository.AccountRepository
	group    singleflight.Group

	tokenURL string
	baseURL  string
	now      func() time.Time

	// exposedModels restricts quota aggregation to the upstream models this
	// proxy actually serves. Nil means all models count.
	exposedModels func() []string
}

// SetExposedModels installs the upstream-model exposure list used when
// aggregating account quota.
func (s *TokenService) SetExposedModels(fn func() []string) { s.exposedModels = fn }

func NewTokenService(accounts repository.AccountRepository) *TokenService {
	return &TokenService{
		http:     &http.Client{Timeout: 30 * time.Second},
		accounts: accounts,
		tokenURL: oauthTokenURL,
		baseURL:  BaseURLProd,
		now:      time.Now,
	}
}

// EnsureValidToken refreshes when the token is missing or inside the expiry
// buffer. No-op otherwise.
func (s *TokenService) EnsureValidToken(ctx context.Context, account *domain.Account) error {
	if !account.NeedsRefresh(s.now()) {
		return nil
	}
	_, err := s.ForceRefreshToken(ctx, account)
	return err
}

// ForceRefreshToken redeems the refresh token. Concurrent callers for the
// same account share one upstream POST.
func (s *TokenService) ForceRefreshToken(ctx context.Context, account *domain.Account) (string, error) {
	key := strconv.FormatUint(account.ID, 10)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.refresh(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *TokenService) refresh(ctx context.Context, account *domain.Account) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", account.RefreshToken)
	form.Set("client_id", oauthClientID)
	form.Set("client_secret", oauthClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", s.markRefreshFailed(account, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", s.markRefreshFailed(account, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", s.markRefreshFailed(account, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", s.markRefreshFailed(account, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		IDToken     string `json:"id_token"`
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return "", s.markRefreshFailed(account, err)
	}
	if result.AccessToken == "" {
		return "", s.markRefreshFailed(account, fmt.Errorf("token endpoint returned no access_token"))
	}

	expiresAt := s.now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenExpirySlack)
	account.AccessToken = result.AccessToken
	account.TokenExpiresAt = expiresAt.UnixMilli()
	if account.Email == "" && result.IDToken != "" {
		account.Email = emailFromIDToken(result.IDToken)
	}
	if account.Status == domain.AccountStatusError {
		account.Status = domain.AccountStatusActive
		account.LastError = ""
	}
	if err := s.accounts.UpdateAccount(account); err != nil {
		log.Printf("[Token] Persist account %d after refresh failed: %v", account.ID, err)
	}
	return result.AccessToken, nil
}

func (s *TokenService) markRefreshFailed(account *domain.Account, cause error) error {
	account.Status = domain.AccountStatusError
	account.LastError = cause.Error()
	account.ErrorCount++
	if err := s.accounts.UpdateAccount(account); err != nil {
		log.Printf("[Token] Persist account %d error state failed: %v", account.ID, err)
	}
	return &domain.ProxyError{
		Kind:      domain.ErrKindAuth,
		Err:       domain.ErrTokenRefresh,
		Message:   "oauth token refresh failed: " + cause.Error(),
		Retryable: false,
		AccountID: account.ID,
	}
}

// emailFromIDToken decodes the email claim without verifying the token; it
// came over TLS from the issuer.
func emailFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}
