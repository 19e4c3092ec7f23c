package handler

import (
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/domain"
)

// httpStatusFor maps the error taxonomy to a client-facing status code.
func httpStatusFor(perr *domain.ProxyError) int {
	switch perr.Kind {
	case domain.ErrKindCapacity:
		return http.StatusTooManyRequests
	case domain.ErrKindAuth:
		return http.StatusUnauthorized
	case domain.ErrKindClient, domain.ErrKindBlocked, domain.ErrKindConvert:
		if perr.StatusCode >= 400 && perr.StatusCode < 500 {
			return perr.StatusCode
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func openAIErrorType(perr *domain.ProxyError) (errType, code string) {
	switch perr.Kind {
	case domain.ErrKindCapacity:
		return "rate_limit_error", "rate_limit_exceeded"
	case domain.ErrKindAuth:
		return "authentication_error", "invalid_api_key"
	case domain.ErrKindClient, domain.ErrKindBlocked, domain.ErrKindConvert:
		return "invalid_request_error", "invalid_request"
	default:
		return "api_error", "upstream_error"
	}
}

func claudeErrorType(perr *domain.ProxyError) string {
	switch perr.Kind {
	case domain.ErrKindCapacity:
		return "rate_limit_error"
	case domain.ErrKindAuth:
		return "authentication_error"
	case domain.ErrKindClient, domain.ErrKindBlocked, domain.ErrKindConvert:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// writeOpenAIError renders {error:{message,type,code}}. Capacity messages
// keep the upstream text verbatim so a "reset after Ns" hint survives.
func writeOpenAIError(w http.ResponseWriter, err error) {
	perr := domain.AsProxyError(err)
	errType, code := openAIErrorType(perr)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"message": perr.Error(),
			"type":    errType,
			"code":    code,
		},
	}
	writeJSON(w, httpStatusFor(perr), body)
}

// writeClaudeError renders {type:"error", error:{type,message}}.
func writeClaudeError(w http.ResponseWriter, err error) {
	perr := domain.AsProxyError(err)
	body := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    claudeErrorType(perr),
			"message": perr.Error(),
		},
	}
	writeJSON(w, httpStatusFor(perr), body)
}

// writeGeminiError renders the Google-style {error:{code,message,status}}.
func writeGeminiError(w http.ResponseWriter, err error) {
	perr := domain.AsProxyError(err)
	status := httpStatusFor(perr)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": perr.Error(),
			"status":  http.StatusText(status),
		},
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := sonic.Marshal(body)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
