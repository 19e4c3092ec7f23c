// Package pool owns the in-memory account set: round-robin selection with a
// per-account lock, per-(account,model) capacity cooldowns, the per-model
// concurrency gate, and the background refresh schedulers.
package pool

import (
	"log"
	"sync"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/repository"
	"github.com/awsl-project/agproxy/internal/upstream"
)

type record struct {
	account *domain.Account
	locked  bool
}

type cooldownKey struct {
	accountID uint64
	model     string
}

// Pool is the in-memory authority over accounts. The repository is the
// durable backing; mutations are written through.
type Pool struct {
	cfg  *config.Config
	repo repository.AccountRepository

	mu      sync.Mutex
	records map[uint64]*record
	order   []uint64
	cursor  int

	// Cooldowns take their own mutex so per-model updates never block
	// account selection.
	cdMu      sync.Mutex
	cooldowns map[cooldownKey]*domain.Cooldown

	gateMu   sync.Mutex
	inFlight map[string]int

	now func() time.Time
}

func New(cfg *config.Config, repo repository.AccountRepository) *Pool {
	return &Pool{
		cfg:       cfg,
		repo:      repo,
		records:   make(map[uint64]*record),
		cooldowns: make(map[cooldownKey]*domain.Cooldown),
		inFlight:  make(map[string]int),
		now:       time.Now,
	}
}

// Load replaces the in-memory set with the repository's accounts. Locks on
// accounts that survive the reload are preserved.
func (p *Pool) Load() error {
	accounts, err := p.repo.ListAccounts()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[uint64]*record, len(accounts))
	order := make([]uint64, 0, len(accounts))
	for _, a := range accounts {
		rec := &record{account: a}
		if prev, ok := p.records[a.ID]; ok {
			rec.locked = prev.locked
		}
		next[a.ID] = rec
		order = append(order, a.ID)
	}
	p.records = next
	p.order = order
	if p.cursor >= len(order) {
		p.cursor = 0
	}
	log.Printf("[Pool] Loaded %d accounts", len(accounts))
	return nil
}

// GetNextAccount picks and locks an account for one request against model.
// Preference order: unlocked and not cooling for this model, then the
// unlocked cooling account whose window expires soonest. Disabled and
// errored accounts are never handed out.
func (p *Pool) GetNextAccount(model string) (*domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return nil, domain.NewProxyError(domain.ErrKindCapacity, domain.ErrNoAccounts, false)
	}

	now := p.now()

	// Round-robin over accounts that are free and not cooling.
	for i := 0; i < len(p.order); i++ {
		idx := (p.cursor + i) % len(p.order)
		rec := p.records[p.order[idx]]
		if rec.locked || !rec.account.Usable() {
			continue
		}
		if p.coolingUntil(rec.account.ID, model).After(now) {
			continue
		}
		p.cursor = (idx + 1) % len(p.order)
		rec.locked = true
		return rec.account, nil
	}

	// Everything usable is cooling: take the one closest to recovery.
	var best *record
	var bestUntil time.Time
	for _, id := range p.order {
		rec := p.records[id]
		if rec.locked || !rec.account.Usable() {
			continue
		}
		until := p.coolingUntil(id, model)
		if best == nil || until.Before(bestUntil) {
			best = rec
			bestUntil = until
		}
	}
	if best != nil {
		best.locked = true
		return best.account, nil
	}
	return nil, domain.NewProxyError(domain.ErrKindCapacity, domain.ErrNoAccounts, false)
}

// TryLockAccount takes the per-account lock when the account is free. The
// maintenance schedulers use it so they never mutate an account that a
// request goroutine is reading.
func (p *Pool) TryLockAccount(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.locked {
		return false
	}
	rec.locked = true
	return true
}

// UnlockAccount releases the per-account lock.
func (p *Pool) UnlockAccount(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[id]; ok {
		rec.locked = false
	}
}

// MarkAccountSuccess records a completed request on the account.
func (p *Pool) MarkAccountSuccess(id uint64) {
	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.account.LastUsedAt = p.now().UnixMilli()
	rec.account.ErrorCount = 0
	rec.account.LastError = ""
	account := rec.account
	p.mu.Unlock()

	if err := p.repo.UpdateAccount(account); err != nil {
		log.Printf("[Pool] Persist account %d success failed: %v", id, err)
	}
}

// MarkAccountError records a failed request on the account.
func (p *Pool) MarkAccountError(id uint64, cause error) {
	p.mu.Lock()
	rec, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.account.ErrorCount++
	rec.account.LastError = cause.Error()
	account := rec.account
	p.mu.Unlock()

	if err := p.repo.UpdateAccount(account); err != nil {
		log.Printf("[Pool] Persist account %d error failed: %v", id, err)
	}
}

// MarkCapacityLimited opens a cooldown window for the (account, model) pair.
// The window length comes from the upstream reset hint when the message has
// one, otherwise the configured baseline.
func (p *Pool) MarkCapacityLimited(id uint64, model, message string) {
	window := upstream.ParseResetAfter(message)
	if window == 0 {
		window = p.cfg.CapacityCooldown
	}
	until := p.now().Add(window)

	p.cdMu.Lock()
	p.cooldowns[cooldownKey{id, model}] = &domain.Cooldown{
		AccountID:  id,
		Model:      model,
		Until:      until,
		LastReason: message,
	}
	p.cdMu.Unlock()

	log.Printf("[Pool] Account %d cooling down for %s until %s", id, model, until.Format(time.RFC3339))
}

// MarkCapacityRecovered clears the cooldown for the pair on first success.
func (p *Pool) MarkCapacityRecovered(id uint64, model string) {
	p.cdMu.Lock()
	_, had := p.cooldowns[cooldownKey{id, model}]
	delete(p.cooldowns, cooldownKey{id, model})
	p.cdMu.Unlock()
	if had {
		log.Printf("[Pool] Account %d recovered for %s", id, model)
	}
}

// AvailableAccountCount sizes dynamic retry budgets: accounts the pool could
// hand out at all, cooling or not.
func (p *Pool) AvailableAccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.records {
		if rec.account.Usable() {
			n++
		}
	}
	return n
}

// CoolingUntil reports the cooldown deadline for the pair, zero time when not
// cooling.
func (p *Pool) CoolingUntil(id uint64, model string) time.Time {
	return p.coolingUntil(id, model)
}

func (p *Pool) coolingUntil(id uint64, model string) time.Time {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()
	cd, ok := p.cooldowns[cooldownKey{id, model}]
	if !ok {
		return time.Time{}
	}
	return cd.Until
}

// Accounts returns a snapshot of the in-memory accounts.
func (p *Pool) Accounts() []*domain.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.records[id].account)
	}
	return out
}

// AcquireModelSlot reserves one in-flight slot for model. Returns false when
// the per-model cap is reached. A zero cap disables the gate.
func (p *Pool) AcquireModelSlot(model string) bool {
	if p.cfg.MaxConcurrentPerModel <= 0 {
		return true
	}
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.inFlight[model] >= p.cfg.MaxConcurrentPerModel {
		return false
	}
	p.inFlight[model]++
	return true
}

// ReleaseModelSlot returns a slot taken by AcquireModelSlot.
func (p *Pool) ReleaseModelSlot(model string) {
	if p.cfg.MaxConcurrentPerModel <= 0 {
		return
	}
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.inFlight[model] > 0 {
		p.inFlight[model]--
	}
}
