package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/protocol/token"
	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/pkg/adaptor"
)

const maxBodyBytes = 10 << 20

func (s *Server) handleChat(dialect typ.Dialect) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.serveChat(c, dialect, "", false)
	}
}

// handleGeminiGenerate routes /v1beta/models/{model}:{action}; the model and
// the verb share one path segment.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	model, action, ok := strings.Cut(c.Param("modelAction"), ":")
	if !ok {
		writeError(c, http.StatusNotFound, "invalid_request_error", "expected models/{model}:generateContent")
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(c, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("unknown action %q", action))
		return
	}
	s.serveChat(c, typ.DialectGemini, model, stream)
}

func (s *Server) serveChat(c *gin.Context, dialect typ.Dialect, pathModel string, forceStream bool) {
	tr, err := adaptor.ForDialect(dialect)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if pathModel != "" {
		req.Model = pathModel
	}
	if forceStream {
		req.Stream = true
	}
	if req.Model == "" {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	kind := routeKind(dialect, req.Model)
	if req.Stream {
		s.streamCompletion(c, tr, kind, req)
		return
	}
	s.completion(c, tr, kind, req)
}

func (s *Server) completion(c *gin.Context, tr adaptor.Translator, kind typ.ProviderKind, req *typ.Request) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.settings.RequestTimeout())
	defer cancel()

	resp, err := s.completeWithFailover(ctx, kind, req)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}
	s.applyCacheAccounting(ctx, tr.Dialect(), req, &resp.Usage)
	c.JSON(http.StatusOK, tr.BuildResponse(resp))
}

// completeWithFailover runs the non-streaming retry loop: a failed attempt
// marks the credential and picks a fresh one, up to the configured attempts.
func (s *Server) completeWithFailover(ctx context.Context, kind typ.ProviderKind, req *typ.Request) (*typ.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= s.settings.MaxAttempts; attempt++ {
		sel, err := s.pool.Select(kind, req.Model, pool.Options{AcquireSlot: true})
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		adapter := s.registry.For(sel.ActualKind)
		if adapter == nil {
			s.pool.ReleaseSlot(sel.Credential)
			return nil, fmt.Errorf("no adapter registered for provider kind %q", sel.ActualKind)
		}

		attemptReq := *req
		attemptReq.Model = sel.ActualModel
		resp, err := adapter.Generate(ctx, sel.Credential, &attemptReq)
		s.pool.ReleaseSlot(sel.Credential)
		if err == nil {
			s.pool.MarkSuccess(sel.Credential)
			return resp, nil
		}
		if ctx.Err() != nil {
			// Client cancellation or deadline; not the credential's fault.
			return nil, err
		}
		s.pool.MarkFailure(sel.Credential, err)
		lastErr = err
		if !typ.IsRetryable(err) {
			return nil, err
		}
		logrus.Warnf("attempt %d/%d on credential %s failed, retrying: %v",
			attempt, s.settings.MaxAttempts, sel.Credential.UUID, err)
	}
	return nil, lastErr
}

// applyCacheAccounting fills in the prompt-cache breakdown for Anthropic-style
// callers when the upstream did not report caching itself.
func (s *Server) applyCacheAccounting(ctx context.Context, dialect typ.Dialect, req *typ.Request, usage *typ.Usage) {
	if s.accountant == nil || dialect != typ.DialectAnthropic || usage == nil {
		return
	}
	if usage.CacheReadTokens > 0 || usage.CacheCreationTokens > 0 {
		return
	}
	res := s.accountant.Account(ctx, req)
	usage.CacheReadTokens = res.CacheReadTokens
	usage.CacheCreationTokens = res.CacheCreationTokens
}

// handleCountTokens prefers the upstream's own counter and falls back to the
// local tokenizer estimate.
func (s *Server) handleCountTokens(c *gin.Context) {
	tr, err := adaptor.ForDialect(typ.DialectAnthropic)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	kind := routeKind(typ.DialectAnthropic, req.Model)
	if sel, selErr := s.pool.Select(kind, req.Model, pool.Options{SkipUsageCount: true}); selErr == nil {
		if counter, ok := s.registry.For(sel.ActualKind).(upstream.TokenCounter); ok {
			if n, countErr := counter.CountTokens(c.Request.Context(), sel.Credential, req); countErr == nil {
				c.JSON(http.StatusOK, gin.H{"input_tokens": n})
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": token.CountRequest(req)})
}

// collectModels aggregates the cached catalogue of every provider kind that
// has a usable credential.
func (s *Server) collectModels(ctx context.Context) []typ.ModelInfo {
	kinds := []typ.ProviderKind{
		typ.ProviderOpenAI,
		typ.ProviderOpenAIComp,
		typ.ProviderAnthropic,
		typ.ProviderGemini,
		typ.ProviderWebChat,
	}
	var out []typ.ModelInfo
	for _, kind := range kinds {
		sel, err := s.pool.Select(kind, "", pool.Options{SkipUsageCount: true})
		if err != nil || sel.IsFallback {
			continue
		}
		models, _, err := s.catalog.Models(ctx, kind, sel.Credential)
		if err != nil {
			logrus.Debugf("model list for %s unavailable: %v", kind, err)
			continue
		}
		out = append(out, models...)
	}
	return out
}

func (s *Server) handleListModelsOpenAI(c *gin.Context) {
	models := s.collectModels(c.Request.Context())
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		created := int64(0)
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.Unix()
		}
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"created":  created,
			"owned_by": m.OwnedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleListModelsGemini(c *gin.Context) {
	models := s.collectModels(c.Request.Context())
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"name":        "models/" + m.ID,
			"displayName": m.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": data})
}
