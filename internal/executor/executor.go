// Package executor runs upstream calls over the account pool: account
// selection, token readiness, the two retry modes, and abort propagation.
package executor

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/pool"
	"github.com/awsl-project/agproxy/internal/upstream"
)

// generator is the client surface the executor needs; *upstream.Client in
// production, a stub in tests.
type generator interface {
	Generate(ctx context.Context, accessToken string, env *upstream.Envelope) (*converter.UpstreamResponse, error)
	GenerateStream(ctx context.Context, accessToken string, env *upstream.Envelope) (*upstream.Stream, error)
}

// tokenProvider is the token-service surface the executor needs.
type tokenProvider interface {
	EnsureValidToken(ctx context.Context, account *domain.Account) error
	ForceRefreshToken(ctx context.Context, account *domain.Account) (string, error)
	FetchProjectID(ctx context.Context, account *domain.Account) error
}

type Executor struct {
	cfg    *config.Config
	pool   *pool.Pool
	tokens tokenProvider
	client generator
}

func New(cfg *config.Config, p *pool.Pool, tokens tokenProvider, client generator) *Executor {
	return &Executor{cfg: cfg, pool: p, tokens: tokens, client: client}
}

// Result describes the outcome of one dispatched request.
type Result struct {
	Response     *converter.UpstreamResponse
	AccountID    uint64
	AccountEmail string
	Attempts     int
	Aborted      bool
}

// Execute runs a non-streaming request under the full retry policy.
func (e *Executor) Execute(ctx context.Context, upstreamModel string, req *converter.UpstreamRequest) (*Result, error) {
	res := &Result{}
	err := e.runFull(ctx, upstreamModel, res, func(ctx context.Context, account *domain.Account) error {
		env := upstream.WrapRequest(account.ProjectID, upstreamModel, req)
		out, err := e.client.Generate(ctx, account.AccessToken, env)
		if err != nil {
			return err
		}
		res.Response = out
		return nil
	})
	return res, err
}

// ExecuteStream runs a streaming request. Each unwrapped upstream event is
// handed to onEvent in order. Retries only cover stream establishment: once
// an event has been forwarded, any failure is terminal.
func (e *Executor) ExecuteStream(ctx context.Context, upstreamModel string, req *converter.UpstreamRequest, onEvent func(payload []byte) error) (*Result, error) {
	res := &Result{}
	delivered := false
	err := e.runFull(ctx, upstreamModel, res, func(ctx context.Context, account *domain.Account) error {
		env := upstream.WrapRequest(account.ProjectID, upstreamModel, req)
		stream, err := e.client.GenerateStream(ctx, account.AccessToken, env)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			if ctx.Err() != nil {
				res.Aborted = true
				return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: domain.ErrStreamAborted, Retryable: false}
			}
			payload, err := stream.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				perr := domain.AsProxyError(err)
				if delivered {
					perr.Retryable = false
				}
				return perr
			}
			delivered = true
			if err := onEvent(payload); err != nil {
				res.Aborted = true
				return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: err, Retryable: false}
			}
		}
	})
	return res, err
}

// ExecutePassthrough runs an already-assembled Gemini-dialect request under
// the capacity-only retry policy: capacity errors rotate accounts, anything
// else propagates immediately.
func (e *Executor) ExecutePassthrough(ctx context.Context, upstreamModel string, req *converter.UpstreamRequest) (*Result, error) {
	res := &Result{}
	err := e.runCapacity(ctx, upstreamModel, res, func(ctx context.Context, account *domain.Account) error {
		env := upstream.WrapRequest(account.ProjectID, upstreamModel, req)
		out, err := e.client.Generate(ctx, account.AccessToken, env)
		if err != nil {
			return err
		}
		res.Response = out
		return nil
	})
	return res, err
}

type attemptFn func(ctx context.Context, account *domain.Account) error

// runFull is the full retry policy: same-account retries, then account
// rotation bounded by max(configured retries, available accounts - 1).
func (e *Executor) runFull(ctx context.Context, model string, res *Result, attempt attemptFn) error {
	if !e.pool.AcquireModelSlot(model) {
		return &domain.ProxyError{
			Kind:       domain.ErrKindCapacity,
			Err:        domain.ErrModelSlotBusy,
			Message:    "model concurrency limit reached",
			StatusCode: http.StatusTooManyRequests,
			Retryable:  true,
		}
	}
	defer e.pool.ReleaseModelSlot(model)

	maxSwitches := e.cfg.RetryCount
	if avail := e.pool.AvailableAccountCount() - 1; avail > maxSwitches {
		maxSwitches = avail
	}

	var lastErr error
	for switches := 0; ; switches++ {
		if ctx.Err() != nil {
			res.Aborted = true
			if lastErr != nil {
				return lastErr
			}
			return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: ctx.Err(), Retryable: false}
		}

		account, err := e.pool.GetNextAccount(model)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		perr := e.runAccount(ctx, model, account, res, attempt)
		if perr == nil {
			e.pool.MarkCapacityRecovered(account.ID, model)
			e.pool.MarkAccountSuccess(account.ID)
			e.pool.UnlockAccount(account.ID)
			return nil
		}
		e.pool.UnlockAccount(account.ID)
		perr.AccountID = account.ID
		lastErr = perr

		if res.Aborted || perr.Kind == domain.ErrKindCancelled {
			res.Aborted = true
			return perr
		}
		if !perr.Retryable || switches >= maxSwitches {
			return perr
		}
		log.Printf("[Executor] Account %d failed for %s (%s), switching (%d/%d)",
			account.ID, model, perr.Kind, switches+1, maxSwitches)
		if !sleepCtx(ctx, e.cfg.AccountSwitchDelay) {
			res.Aborted = true
			return perr
		}
	}
}

// runAccount tries one account: same-account retries for transient errors,
// inline token refresh for one 401, cooldown bookkeeping for capacity.
func (e *Executor) runAccount(ctx context.Context, model string, account *domain.Account, res *Result, attempt attemptFn) *domain.ProxyError {
	if account.ProjectID == "" {
		if err := e.tokens.FetchProjectID(ctx, account); err != nil {
			return domain.AsProxyError(err)
		}
	}
	if err := e.tokens.EnsureValidToken(ctx, account); err != nil {
		return domain.AsProxyError(err)
	}

	tries := e.cfg.SameAccountRetries
	if tries < 1 {
		tries = 1
	}
	var perr *domain.ProxyError
	for i := 0; i < tries; i++ {
		if ctx.Err() != nil {
			res.Aborted = true
			return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: ctx.Err(), Retryable: false}
		}
		res.Attempts++
		res.AccountID = account.ID
		res.AccountEmail = account.Email

		err := attempt(ctx, account)
		if err == nil {
			return nil
		}
		perr = domain.AsProxyError(err)

		// One inline retry with a fresh token on 401.
		if perr.Kind == domain.ErrKindAuth && perr.StatusCode == http.StatusUnauthorized {
			if _, rerr := e.tokens.ForceRefreshToken(ctx, account); rerr == nil {
				res.Attempts++
				if err := attempt(ctx, account); err == nil {
					return nil
				} else {
					perr = domain.AsProxyError(err)
				}
			}
		}

		if perr.IsCapacity() {
			e.pool.MarkCapacityLimited(account.ID, model, perr.Message)
			return perr
		}
		if perr.Kind == domain.ErrKindCancelled {
			return perr
		}
		if !perr.Retryable || i+1 >= tries {
			break
		}
		if !sleepCtx(ctx, e.cfg.SameAccountRetryDelay) {
			res.Aborted = true
			return perr
		}
	}
	e.pool.MarkAccountError(account.ID, perr)
	return perr
}

// runCapacity is the capacity-only retry policy: one attempt per iteration,
// rotating accounts on capacity errors with growing backoff. Non-capacity
// errors propagate immediately.
func (e *Executor) runCapacity(ctx context.Context, model string, res *Result, attempt attemptFn) error {
	if !e.pool.AcquireModelSlot(model) {
		return &domain.ProxyError{
			Kind:       domain.ErrKindCapacity,
			Err:        domain.ErrModelSlotBusy,
			Message:    "model concurrency limit reached",
			StatusCode: http.StatusTooManyRequests,
			Retryable:  true,
		}
	}
	defer e.pool.ReleaseModelSlot(model)

	maxAttempts := e.cfg.RetryCount
	if avail := e.pool.AvailableAccountCount() - 1; avail > maxAttempts {
		maxAttempts = avail
	}
	maxAttempts++

	var lastErr error
	for attemptNo := 1; attemptNo <= maxAttempts; attemptNo++ {
		if ctx.Err() != nil {
			res.Aborted = true
			return &domain.ProxyError{Kind: domain.ErrKindCancelled, Err: ctx.Err(), Retryable: false}
		}

		account, err := e.pool.GetNextAccount(model)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		perr := e.runAccountOnce(ctx, account, res, attempt)
		if perr == nil {
			e.pool.MarkCapacityRecovered(account.ID, model)
			e.pool.MarkAccountSuccess(account.ID)
			e.pool.UnlockAccount(account.ID)
			return nil
		}
		e.pool.UnlockAccount(account.ID)
		perr.AccountID = account.ID

		if !perr.IsCapacity() {
			return perr
		}
		e.pool.MarkCapacityLimited(account.ID, model, perr.Message)
		lastErr = perr

		delay := perr.RetryAfter
		if delay == 0 {
			delay = e.cfg.RetryBaseDelay * time.Duration(attemptNo)
		}
		if !sleepCtx(ctx, delay) {
			res.Aborted = true
			return perr
		}
	}
	return lastErr
}

func (e *Executor) runAccountOnce(ctx context.Context, account *domain.Account, res *Result, attempt attemptFn) *domain.ProxyError {
	if account.ProjectID == "" {
		if err := e.tokens.FetchProjectID(ctx, account); err != nil {
			return domain.AsProxyError(err)
		}
	}
	if err := e.tokens.EnsureValidToken(ctx, account); err != nil {
		return domain.AsProxyError(err)
	}
	res.Attempts++
	res.AccountID = account.ID
	res.AccountEmail = account.Email
	if err := attempt(ctx, account); err != nil {
		return domain.AsProxyError(err)
	}
	return nil
}

// sleepCtx waits d or until ctx ends; reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
