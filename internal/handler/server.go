// Package handler exposes the public HTTP surface: the OpenAI and Anthropic
// chat endpoints, the model catalogue, the Gemini pass-through, and the live
// log stream.
package handler

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/pool"
	"github.com/awsl-project/agproxy/internal/repository"
)

type Server struct {
	cfg      *config.Config
	exec     *executor.Executor
	resolver *pool.Resolver
	openai   *converter.OpenAIConverter
	claude   *converter.ClaudeConverter
	logs     repository.RequestLogRepository
	hub      *Hub
}

func NewServer(
	cfg *config.Config,
	exec *executor.Executor,
	resolver *pool.Resolver,
	openai *converter.OpenAIConverter,
	claude *converter.ClaudeConverter,
	logs repository.RequestLogRepository,
	hub *Hub,
) *Server {
	return &Server{
		cfg:      cfg,
		exec:     exec,
		resolver: resolver,
		openai:   openai,
		claude:   claude,
		logs:     logs,
		hub:      hub,
	}
}

// Routes assembles the public mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.auth(requireMethod(http.MethodPost, s.handleChatCompletions)))
	mux.HandleFunc("/v1/messages", s.auth(requireMethod(http.MethodPost, s.handleMessages)))
	mux.HandleFunc("/v1/models", s.auth(requireMethod(http.MethodGet, s.handleModels)))
	mux.HandleFunc("/v1beta/models", s.auth(requireMethod(http.MethodGet, s.handleGeminiModels)))
	mux.HandleFunc("/v1beta/models/", s.auth(requireMethod(http.MethodPost, s.handleGeminiGenerate)))
	mux.HandleFunc("/health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
	return mux
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// auth checks the inbound API key. The key may arrive as a bearer token, as
// a bare Authorization value, or in x-api-key (the Anthropic convention).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if key == "" {
				key = r.Header.Get("x-api-key")
			}
			if key != s.cfg.APIKey {
				writeOpenAIError(w, &domain.ProxyError{
					Kind:      domain.ErrKindAuth,
					Message:   "invalid API key",
					Retryable: false,
				})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordRequest persists one request-log row and pushes it to live viewers.
func (s *Server) recordRequest(entry *domain.RequestLog) {
	entry.CreatedAt = time.Now()
	if s.logs != nil {
		if err := s.logs.CreateRequestLog(entry); err != nil {
			log.Printf("[Handler] Persist request log failed: %v", err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastRequest(entry)
	}
}

func requestStatus(err error, aborted bool) string {
	switch {
	case aborted:
		return "aborted"
	case err != nil:
		return "failed"
	default:
		return "completed"
	}
}
