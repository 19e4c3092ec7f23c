package pool

import (
	"context"
	"log"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
)

const (
	tokenRefreshInterval = 50 * time.Minute
	quotaSyncInterval    = 10 * time.Minute
)

// accountMaintainer is the token-service surface the schedulers need.
type accountMaintainer interface {
	EnsureValidToken(ctx context.Context, account *domain.Account) error
	FetchProjectID(ctx context.Context, account *domain.Account) error
	SyncQuota(ctx context.Context, account *domain.Account) error
}

// StartSchedulers launches the background token-refresh and quota-sync
// tickers. Each pass takes the per-account lock before touching an account,
// so maintenance never mutates one that a request goroutine is reading;
// busy accounts are picked up on a later tick. Returns immediately; the
// tickers stop when ctx is cancelled.
func (p *Pool) StartSchedulers(ctx context.Context, tokens accountMaintainer) {
	go p.runTicker(ctx, "TokenRefresh", tokenRefreshInterval, func(ctx context.Context) {
		p.refreshTokensPass(ctx, tokens)
	})
	go p.runTicker(ctx, "QuotaSync", quotaSyncInterval, func(ctx context.Context) {
		p.syncQuotaPass(ctx, tokens)
	})
}

func (p *Pool) refreshTokensPass(ctx context.Context, tokens accountMaintainer) {
	for _, account := range p.Accounts() {
		if !p.TryLockAccount(account.ID) {
			continue
		}
		if err := tokens.EnsureValidToken(ctx, account); err != nil {
			log.Printf("[TokenRefresh] Account %d: %v", account.ID, err)
		}
		p.UnlockAccount(account.ID)
	}
}

func (p *Pool) syncQuotaPass(ctx context.Context, tokens accountMaintainer) {
	for _, account := range p.Accounts() {
		if !account.Usable() {
			continue
		}
		if !p.TryLockAccount(account.ID) {
			continue
		}
		if account.ProjectID == "" {
			if err := tokens.FetchProjectID(ctx, account); err != nil {
				log.Printf("[QuotaSync] Account %d project discovery: %v", account.ID, err)
				p.UnlockAccount(account.ID)
				continue
			}
		}
		if err := tokens.SyncQuota(ctx, account); err != nil {
			log.Printf("[QuotaSync] Account %d: %v", account.ID, err)
		}
		p.UnlockAccount(account.ID)
	}
}

func (p *Pool) runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[%s] Scheduler started, interval %s", name, interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Scheduler stopped", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
