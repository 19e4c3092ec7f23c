package handler

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/limiter"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, domain.NewProxyError(domain.ErrKindClient, err, false))
		return
	}
	var req converter.OpenAIRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeOpenAIError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "invalid request body: %v", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeOpenAIError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "model and messages are required"))
		return
	}

	upstreamModel := s.resolver.Resolve(req.Model)
	budget := limiter.NewBudget(s.cfg)

	inbound, err := s.openai.ToUpstream(&req, upstreamModel, budget)
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	entry := &domain.RequestLog{
		ClientType:  domain.ClientTypeOpenAI,
		Model:       req.Model,
		MappedModel: upstreamModel,
		Stream:      req.Stream,
	}

	if req.Stream {
		s.streamChatCompletions(w, r, &req, inbound, upstreamModel, entry, start)
		return
	}

	res, err := s.exec.Execute(r.Context(), upstreamModel, inbound.Upstream)
	s.fillEntry(entry, res, err, start)
	if err != nil {
		s.recordRequest(entry)
		writeOpenAIError(w, err)
		return
	}

	out, err := s.openai.FromUpstream(res.Response, req.Model, inbound.UserID)
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
		s.recordRequest(entry)
		writeOpenAIError(w, err)
		return
	}
	if out.Usage != nil {
		entry.InputTokens = out.Usage.PromptTokens
		entry.OutputTokens = out.Usage.CompletionTokens
	}
	s.recordRequest(entry)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, req *converter.OpenAIRequest, inbound *converter.OpenAIInbound, upstreamModel string, entry *domain.RequestLog, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, domain.NewProxyErrorf(domain.ErrKindClient, false, "streaming unsupported by connection"))
		return
	}

	state := s.openai.NewStreamState(req.Model, inbound.UserID)
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
	}

	res, err := s.exec.ExecuteStream(r.Context(), upstreamModel, inbound.Upstream, func(payload []byte) error {
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
		writeOpenAIError(w, err)
		return
	}
	if err != nil {
		// Bytes already on the wire: close after the terminator.
		if res.Aborted {
			return
		}
		log.Printf("[OpenAI] Stream ended with error after first byte: %v", err)
	}
	sendHeaders()
	w.Write(state.Finish())
	flusher.Flush()
}

func (s *Server) fillEntry(entry *domain.RequestLog, res *executor.Result, err error, start time.Time) {
	entry.DurationMs = time.Since(start).Milliseconds()
	if res != nil {
		entry.AccountID = res.AccountID
		entry.AccountEmail = res.AccountEmail
		entry.Attempts = res.Attempts
		entry.Status = requestStatus(err, res.Aborted)
	} else {
		entry.Status = requestStatus(err, false)
	}
	if err != nil {
		perr := domain.AsProxyError(err)
		entry.Error = perr.Error()
		entry.HTTPStatus = httpStatusFor(perr)
	} else {
		entry.HTTPStatus = http.StatusOK
	}
}
