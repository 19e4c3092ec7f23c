package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
)

// handleGeminiGenerate is the pass-through surface: the body already speaks
// the upstream dialect and only needs the envelope. Path shape:
// /v1beta/models/{model}:generateContent or :streamGenerateContent.
func (s *Server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rest := strings.TrimPrefix(r.URL.Path, "/v1beta/models/")
	model, action, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		writeGeminiError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "malformed model path"))
		return
	}
	if action != "generateContent" && action != "streamGenerateContent" {
		writeGeminiError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "unsupported action %q", action))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGeminiError(w, domain.NewProxyError(domain.ErrKindClient, err, false))
		return
	}
	var req converter.UpstreamRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeGeminiError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "invalid request body: %v", err))
		return
	}

	upstreamModel := s.resolver.Resolve(model)
	entry := &domain.RequestLog{
		ClientType:  domain.ClientTypeGemini,
		Model:       model,
		MappedModel: upstreamModel,
		Stream:      action == "streamGenerateContent",
	}

	if action == "streamGenerateContent" {
		s.streamGemini(w, r, upstreamModel, &req, entry, start)
		return
	}

	res, err := s.exec.ExecutePassthrough(r.Context(), upstreamModel, &req)
	s.fillEntry(entry, res, err, start)
	s.recordRequest(entry)
	if err != nil {
		writeGeminiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Response)
}

func (s *Server) streamGemini(w http.ResponseWriter, r *http.Request, upstreamModel string, req *converter.UpstreamRequest, entry *domain.RequestLog, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGeminiError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "streaming unsupported by connection"))
		return
	}

	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}

	res, err := s.exec.ExecuteStream(r.Context(), upstreamModel, req, func(payload []byte) error {
		sendHeaders()
		if _, werr := w.Write(converter.FormatSSE("", payload)); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})

	s.fillEntry(entry, res, err, start)
	s.recordRequest(entry)

	if err != nil && !headersSent && !res.Aborted {
		writeGeminiError(w, err)
		return
	}
	sendHeaders()
}
