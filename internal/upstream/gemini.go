package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/pkg/adaptor"
)

// GeminiAdapter speaks the Gemini API through the genai SDK.
type GeminiAdapter struct {
	httpClient *http.Client
	translator adaptor.Translator

	mu      sync.RWMutex
	clients map[string]*genai.Client
}

func NewGeminiAdapter(httpClient *http.Client) *GeminiAdapter {
	tr, _ := adaptor.ForDialect(typ.DialectGemini)
	return &GeminiAdapter{
		httpClient: httpClient,
		translator: tr,
		clients:    make(map[string]*genai.Client),
	}
}

func (a *GeminiAdapter) Kind() typ.ProviderKind { return typ.ProviderGemini }

func (a *GeminiAdapter) client(ctx context.Context, c *typ.Credential) (*genai.Client, error) {
	key := credentialKey(c)
	a.mu.RLock()
	if client, ok := a.clients[key]; ok {
		a.mu.RUnlock()
		return client, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[key]; ok {
		return client, nil
	}
	logrus.Debugf("creating gemini client for credential %s", c.UUID)
	cfg := &genai.ClientConfig{
		APIKey:     c.GetAccessToken(),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if c.APIBase != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.APIBase}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	a.clients[key] = client
	return client, nil
}

func classifyGeminiError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return typ.ClassifyStatus(apierr.Code, apierr.Message)
	}
	return typ.ClassifyTransport(err)
}

// generateArgs extracts the typed wire values the translator produced.
func (a *GeminiAdapter) generateArgs(req *typ.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return nil, nil, err
	}
	contents, _ := wire["contents"].([]*genai.Content)

	cfg := &genai.GenerateContentConfig{}
	if si, ok := wire["systemInstruction"].(*genai.Content); ok {
		cfg.SystemInstruction = si
	}
	if tools, ok := wire["tools"].([]*genai.Tool); ok {
		cfg.Tools = tools
	}
	if tc, ok := wire["toolConfig"].(*genai.ToolConfig); ok {
		cfg.ToolConfig = tc
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg, nil
}

func mapGeminiFinishReason(r genai.FinishReason, sawToolCall bool) typ.FinishReason {
	if sawToolCall {
		return typ.FinishToolCalls
	}
	switch r {
	case genai.FinishReasonMaxTokens:
		return typ.FinishLength
	case genai.FinishReasonStop, "":
		return typ.FinishStop
	default:
		return typ.FinishError
	}
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) *typ.Usage {
	if meta == nil {
		return nil
	}
	return &typ.Usage{
		InputTokens:     int64(meta.PromptTokenCount),
		OutputTokens:    int64(meta.CandidatesTokenCount),
		ReasoningTokens: int64(meta.ThoughtsTokenCount),
		CacheReadTokens: int64(meta.CachedContentTokenCount),
	}
}

func (a *GeminiAdapter) Generate(ctx context.Context, c *typ.Credential, req *typ.Request) (*typ.Response, error) {
	contents, cfg, err := a.generateArgs(req)
	if err != nil {
		return nil, err
	}
	client, err := a.client(ctx, c)
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	choice := typ.Choice{Message: typ.Message{Role: "assistant"}}
	sawToolCall := false
	var finish genai.FinishReason
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				switch {
				case p.FunctionCall != nil:
					sawToolCall = true
					args, _ := json.Marshal(p.FunctionCall.Args)
					choice.ToolCalls = append(choice.ToolCalls, typ.ToolCall{
						ID:            p.FunctionCall.ID,
						Name:          p.FunctionCall.Name,
						ArgumentsJSON: string(args),
					})
				case p.Thought:
					choice.Reasoning += p.Text
				case p.Text != "":
					choice.Message.Content = append(choice.Message.Content, typ.TextBlock(p.Text))
				}
			}
		}
	}
	choice.FinishReason = mapGeminiFinishReason(finish, sawToolCall)

	out := &typ.Response{
		ID:      resp.ResponseID,
		Model:   resp.ModelVersion,
		Choices: []typ.Choice{choice},
	}
	if u := geminiUsage(resp.UsageMetadata); u != nil {
		out.Usage = *u
	}
	return out, nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool

	sawToolCall bool
	nextTool    int
	roleSent    bool
	// queued deltas split out of one multi-part chunk
	queue []typ.Delta
}

func (s *geminiStream) Recv() (typ.Delta, error) {
	for {
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue = s.queue[1:]
			return d, nil
		}
		resp, err, ok := s.next()
		if !ok {
			return typ.Delta{}, io.EOF
		}
		if err != nil {
			return typ.Delta{}, classifyGeminiError(err)
		}
		s.enqueue(resp)
	}
}

func (s *geminiStream) enqueue(resp *genai.GenerateContentResponse) {
	if !s.roleSent {
		s.roleSent = true
		s.queue = append(s.queue, typ.Delta{Role: "assistant"})
	}
	var finish genai.FinishReason
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				switch {
				case p.FunctionCall != nil:
					// Gemini delivers each call complete in one chunk.
					s.sawToolCall = true
					args, _ := json.Marshal(p.FunctionCall.Args)
					s.queue = append(s.queue, typ.Delta{ToolCalls: []typ.ToolCallDelta{{
						Index:     s.nextTool,
						ID:        p.FunctionCall.ID,
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					}}})
					s.nextTool++
				case p.Thought:
					s.queue = append(s.queue, typ.Delta{Reasoning: p.Text})
				case p.Text != "":
					s.queue = append(s.queue, typ.Delta{Content: p.Text})
				}
			}
		}
	}
	if finish != "" {
		s.queue = append(s.queue, typ.Delta{
			FinishReason: mapGeminiFinishReason(finish, s.sawToolCall),
			Usage:        geminiUsage(resp.UsageMetadata),
		})
	}
}

func (s *geminiStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.stop()
	return nil
}

func (a *GeminiAdapter) GenerateStream(ctx context.Context, c *typ.Credential, req *typ.Request) (Stream, error) {
	contents, cfg, err := a.generateArgs(req)
	if err != nil {
		return nil, err
	}
	client, err := a.client(ctx, c)
	if err != nil {
		return nil, err
	}
	seq := client.Models.GenerateContentStream(ctx, req.Model, contents, cfg)
	next, stop := iter.Pull2(iter.Seq2[*genai.GenerateContentResponse, error](seq))
	return &geminiStream{next: next, stop: stop}, nil
}

func (a *GeminiAdapter) ListModels(ctx context.Context, c *typ.Credential) ([]typ.ModelInfo, error) {
	base := c.APIBase
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(base, "/")+"/v1beta/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", c.GetAccessToken())

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, typ.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, typ.ClassifyStatus(resp.StatusCode, string(data))
	}

	var page struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	now := time.Now()
	models := make([]typ.ModelInfo, 0, len(page.Models))
	for _, m := range page.Models {
		models = append(models, typ.ModelInfo{
			ID:        strings.TrimPrefix(m.Name, "models/"),
			OwnedBy:   "google",
			CreatedAt: now,
		})
	}
	return models, nil
}

var _ Adapter = (*GeminiAdapter)(nil)
