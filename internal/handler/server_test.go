package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/pool"
	"github.com/awsl-project/agproxy/internal/signature"
	"github.com/awsl-project/agproxy/internal/upstream"
)

type memAccountRepo struct {
	accounts []*domain.Account
}

func (r *memAccountRepo) CreateAccount(a *domain.Account) error         { return nil }
func (r *memAccountRepo) GetAccount(id uint64) (*domain.Account, error) { return nil, nil }
func (r *memAccountRepo) ListAccounts() ([]*domain.Account, error)      { return r.accounts, nil }
func (r *memAccountRepo) UpdateAccount(a *domain.Account) error         { return nil }
func (r *memAccountRepo) DeleteAccount(id uint64) error                 { return nil }

type stubTokens struct{}

func (stubTokens) EnsureValidToken(ctx context.Context, a *domain.Account) error { return nil }
func (stubTokens) ForceRefreshToken(ctx context.Context, a *domain.Account) (string, error) {
	return "at", nil
}
func (stubTokens) FetchProjectID(ctx context.Context, a *domain.Account) error { return nil }

type stubClient struct {
	generate func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error)
	stream   func(ctx context.Context, token string, env *upstream.Envelope) (*upstream.Stream, error)
}

func (c *stubClient) Generate(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
	return c.generate(ctx, token, env)
}

func (c *stubClient) GenerateStream(ctx context.Context, token string, env *upstream.Envelope) (*upstream.Stream, error) {
	return c.stream(ctx, token, env)
}

func testConfig() *config.Config {
	return &config.Config{
		OpenAIThinkingOutput:    config.ThinkingOutputReasoningContent,
		ToolResultTailChars:     2000,
		ToolThoughtSignatureTTL: 10 * time.Minute,
		ToolThoughtSignatureMax: 100,
		ThinkingSignatureTTL:    time.Hour,
		ThinkingSignatureMax:    100,
		LastSignatureTTL:        time.Hour,
		LastSignatureMax:        100,
		AssistantSignatureTTL:   time.Hour,
		AssistantSignatureMax:   100,
		RetryCount:              1,
		RetryBaseDelay:          time.Millisecond,
		SameAccountRetries:      1,
		SameAccountRetryDelay:   time.Millisecond,
		AccountSwitchDelay:      time.Millisecond,
		CapacityCooldown:        time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, client *stubClient) *Server {
	t.Helper()
	account := &domain.Account{
		ID:             1,
		Status:         domain.AccountStatusActive,
		AccessToken:    "at",
		TokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		ProjectID:      "proj",
	}
	p := pool.New(cfg, &memAccountRepo{accounts: []*domain.Account{account}})
	if err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	exec := executor.New(cfg, p, stubTokens{}, client)
	sig := signature.NewCache(cfg, nil)
	return NewServer(cfg,
		exec,
		pool.NewResolver(nil),
		converter.NewOpenAIConverter(cfg, sig),
		converter.NewClaudeConverter(cfg, sig),
		nil, nil)
}

func textResponse(text string) *converter.UpstreamResponse {
	return &converter.UpstreamResponse{
		Candidates: []converter.Candidate{{
			Content:      converter.Content{Role: "model", Parts: []converter.Part{{Text: text}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &converter.UsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 3},
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	client := &stubClient{
		generate: func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
			if env.Model != "gemini-3-flash" {
				t.Errorf("upstream model = %q", env.Model)
			}
			if env.RequestType != "agent" {
				t.Errorf("requestType = %q", env.RequestType)
			}
			return textResponse("Hello there"), nil
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var out converter.OpenAIResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d", len(out.Choices))
	}
	if out.Choices[0].Message == nil || out.Choices[0].Message.Content != "Hello there" {
		t.Errorf("message = %+v", out.Choices[0].Message)
	}
	if out.Model != "gemini-3-flash" {
		t.Errorf("model = %q", out.Model)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	client := &stubClient{
		stream: func(ctx context.Context, token string, env *upstream.Envelope) (*upstream.Stream, error) {
			return upstream.NewStream(io.NopCloser(strings.NewReader(
				`data: {"response":{"candidates":[{"content":{"parts":[{"text":"chunk"}]}}]}}` + "\n" +
					`data: {"response":{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}}` + "\n",
			))), nil
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"model":"gemini-3-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	raw := w.Body.String()
	if !strings.Contains(raw, `"content":"chunk"`) {
		t.Errorf("content chunk missing: %s", raw)
	}
	if !strings.HasSuffix(raw, "data: [DONE]\n\n") {
		t.Errorf("missing [DONE] terminator: %q", raw[len(raw)-40:])
	}
}

func TestMessagesNonStream(t *testing.T) {
	client := &stubClient{
		generate: func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
			return textResponse("Claude says hi"), nil
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var out converter.ClaudeResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("envelope = %+v", out)
	}
	if len(out.Content) == 0 || out.Content[len(out.Content)-1].Text != "Claude says hi" {
		t.Errorf("content = %+v", out.Content)
	}
}

func TestMessagesStreamEventGrammar(t *testing.T) {
	client := &stubClient{
		stream: func(ctx context.Context, token string, env *upstream.Envelope) (*upstream.Stream, error) {
			return upstream.NewStream(io.NopCloser(strings.NewReader(
				`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}` + "\n" +
					`data: {"response":{"candidates":[{"finishReason":"STOP"}]}}` + "\n",
			))), nil
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	raw := w.Body.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(raw, "event: "+event) {
			t.Errorf("missing %s event: %s", event, raw)
		}
	}
}

func TestCapacityErrorRetainsResetHint(t *testing.T) {
	client := &stubClient{
		generate: func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
			return nil, &domain.ProxyError{
				Kind:       domain.ErrKindCapacity,
				Err:        domain.ErrAllAccountsCooling,
				Message:    "You have exhausted your capacity on this model. Quotas reset after 30s.",
				StatusCode: 429,
				Retryable:  true,
				RetryAfter: 31 * time.Second,
			}
		},
	}
	cfg := testConfig()
	cfg.RetryCount = 0
	srv := newTestServer(t, cfg, client)

	body := `{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "reset after 30s") {
		t.Errorf("reset hint lost: %s", w.Body.String())
	}
}

func TestAnthropicErrorShape(t *testing.T) {
	client := &stubClient{
		generate: func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
			return nil, &domain.ProxyError{Kind: domain.ErrKindClient, Err: domain.ErrBlocked, Message: "bad tool schema", StatusCode: 400}
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"model":"claude-sonnet-4-5","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var out struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := sonic.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if out.Type != "error" || out.Error.Type != "invalid_request_error" || out.Error.Message != "bad tool schema" {
		t.Errorf("error shape = %+v", out)
	}
}

func TestModelsCatalogue(t *testing.T) {
	srv := newTestServer(t, testConfig(), &stubClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out converter.OpenAIModelList
	if err := sonic.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if out.Object != "list" || len(out.Data) == 0 {
		t.Fatalf("list = %+v", out)
	}
	ids := make(map[string]bool)
	for _, m := range out.Data {
		if m.Object != "model" {
			t.Errorf("object = %q", m.Object)
		}
		ids[m.ID] = true
	}
	if !ids["claude-sonnet-4-5-thinking"] || !ids["gemini-3-flash"] {
		t.Errorf("catalogue incomplete: %v", ids)
	}
}

func TestGeminiPassthrough(t *testing.T) {
	client := &stubClient{
		generate: func(ctx context.Context, token string, env *upstream.Envelope) (*converter.UpstreamResponse, error) {
			if env.Model != "gemini-3-pro-high" {
				t.Errorf("model = %q", env.Model)
			}
			if len(env.Request.Contents) != 1 {
				t.Errorf("contents not passed through: %+v", env.Request)
			}
			return textResponse("passthrough"), nil
		},
	}
	srv := newTestServer(t, testConfig(), client)

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-3-pro-high:generateContent", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "passthrough") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGeminiBadAction(t *testing.T) {
	srv := newTestServer(t, testConfig(), &stubClient{})

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-3-flash:countTokens", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	srv := newTestServer(t, cfg, &stubClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d, want 200", w.Code)
	}

	// A bare Authorization value without the Bearer prefix also counts.
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "secret")
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bare key: status = %d, want 200", w.Code)
	}

	// Anthropic clients authenticate with x-api-key.
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("x-api-key: status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig(), &stubClient{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, testConfig(), &stubClient{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
