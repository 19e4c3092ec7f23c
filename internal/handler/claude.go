package handler

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/limiter"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeClaudeError(w, domain.NewProxyError(domain.ErrKindClient, err, false))
		return
	}
	var req converter.ClaudeRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeClaudeError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "invalid request body: %v", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeClaudeError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "model and messages are required"))
		return
	}

	upstreamModel := s.resolver.Resolve(req.Model)
	budget := limiter.NewBudget(s.cfg)

	prep := s.claude.Preprocess(&req, upstreamModel)
	upstreamReq, err := s.claude.ToUpstream(prep, upstreamModel, budget)
	if err != nil {
		writeClaudeError(w, err)
		return
	}

	entry := &domain.RequestLog{
		ClientType:  domain.ClientTypeClaude,
		Model:       req.Model,
		MappedModel: upstreamModel,
		Stream:      req.Stream,
	}

	if req.Stream {
		s.streamMessages(w, r, &req, prep, upstreamReq, upstreamModel, entry, start)
		return
	}

	res, err := s.exec.Execute(r.Context(), upstreamModel, upstreamReq)
	s.fillEntry(entry, res, err, start)
	if err != nil {
		s.recordRequest(entry)
		writeClaudeError(w, err)
		return
	}

	out, err := s.claude.FromUpstream(res.Response, req.Model, prep.UserID, prep.ThinkingEnabled)
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
		s.recordRequest(entry)
		writeClaudeError(w, err)
		return
	}
	if out.Usage != nil {
		entry.InputTokens = out.Usage.InputTokens
		entry.OutputTokens = out.Usage.OutputTokens
	}
	s.recordRequest(entry)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *converter.ClaudeRequest, prep *converter.ClaudePrepared, upstreamReq *converter.UpstreamRequest, upstreamModel string, entry *domain.RequestLog, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeClaudeError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "streaming unsupported by connection"))
		return
	}

	state := s.claude.NewStreamState(req.Model, prep.UserID, prep.ThinkingEnabled)
	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		w.Write(state.Start())
		flusher.Flush()
	}

	res, err := s.exec.ExecuteStream(r.Context(), upstreamModel, upstreamReq, func(payload []byte) error {
		frames, perr := state.ProcessEvent(payload)
		if perr != nil {
			return perr
		}
		if len(frames) == 0 {
			return nil
		}
		sendHeaders()
		if _, werr := w.Write(frames); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})

	s.fillEntry(entry, res, err, start)
	s.recordRequest(entry)

	if err != nil && !headersSent && !res.Aborted {
		writeClaudeError(w, err)
		return
	}
	if err != nil {
		if res.Aborted {
			return
		}
		log.Printf("[Claude] Stream ended with error after first byte: %v", err)
	}
	sendHeaders()
	if !state.Completed() {
		w.Write(state.Finish())
		flusher.Flush()
	}
}
