package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/pkg/adaptor"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIAdapter speaks to OpenAI-compatible chat-completion APIs through the
// official SDK. One SDK client is cached per credential.
type OpenAIAdapter struct {
	kind       typ.ProviderKind
	httpClient *http.Client
	translator adaptor.Translator

	mu      sync.RWMutex
	clients map[string]openai.Client
}

// NewOpenAIAdapter serves both the native OpenAI kind and the generic
// openai_compatible kind.
func NewOpenAIAdapter(kind typ.ProviderKind, httpClient *http.Client) *OpenAIAdapter {
	tr, _ := adaptor.ForDialect(typ.DialectOpenAI)
	return &OpenAIAdapter{
		kind:       kind,
		httpClient: httpClient,
		translator: tr,
		clients:    make(map[string]openai.Client),
	}
}

func (a *OpenAIAdapter) Kind() typ.ProviderKind { return a.kind }

func (a *OpenAIAdapter) baseURL(c *typ.Credential) string {
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	return defaultOpenAIBase
}

func credentialKey(c *typ.Credential) string {
	sum := sha256.Sum256([]byte(c.GetAccessToken()))
	return c.UUID + ":" + hex.EncodeToString(sum[:])[:16]
}

func (a *OpenAIAdapter) client(c *typ.Credential) openai.Client {
	key := credentialKey(c)
	a.mu.RLock()
	if client, ok := a.clients[key]; ok {
		a.mu.RUnlock()
		return client
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[key]; ok {
		return client
	}
	logrus.Debugf("creating openai client for credential %s", c.UUID)
	client := openai.NewClient(
		option.WithAPIKey(c.GetAccessToken()),
		option.WithBaseURL(a.baseURL(c)),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	)
	a.clients[key] = client
	return client
}

func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return typ.ClassifyStatus(apierr.StatusCode, apierr.Error())
	}
	return typ.ClassifyTransport(err)
}

// openaiWireToolCall mirrors the provider's tool_call record.
type openaiWireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiWireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	PromptDetails    *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionDetails *struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *openaiWireUsage) toUnified() typ.Usage {
	usage := typ.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptDetails != nil {
		usage.CacheReadTokens = u.PromptDetails.CachedTokens
	}
	if u.CompletionDetails != nil {
		usage.ReasoningTokens = u.CompletionDetails.ReasoningTokens
	}
	return usage
}

type openaiCompletion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role             string               `json:"role"`
			Content          string               `json:"content"`
			ReasoningContent string               `json:"reasoning_content"`
			ToolCalls        []openaiWireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiWireUsage `json:"usage"`
}

func mapOpenAIFinishReason(s string) typ.FinishReason {
	switch s {
	case "length":
		return typ.FinishLength
	case "tool_calls", "function_call":
		return typ.FinishToolCalls
	case "content_filter", "error":
		return typ.FinishError
	default:
		return typ.FinishStop
	}
}

func (a *OpenAIAdapter) Generate(ctx context.Context, c *typ.Credential, req *typ.Request) (*typ.Response, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	delete(wire, "stream")

	client := a.client(c)
	var completion openaiCompletion
	if err := client.Post(ctx, "chat/completions", wire, &completion); err != nil {
		return nil, classifyOpenAIError(err)
	}

	resp := &typ.Response{
		ID:    completion.ID,
		Model: completion.Model,
		Usage: completion.Usage.toUnified(),
	}
	for _, wc := range completion.Choices {
		choice := typ.Choice{
			Index:        wc.Index,
			Reasoning:    wc.Message.ReasoningContent,
			FinishReason: mapOpenAIFinishReason(wc.FinishReason),
		}
		choice.Message = typ.Message{Role: "assistant"}
		if wc.Message.Content != "" {
			choice.Message.Content = []typ.Block{typ.TextBlock(wc.Message.Content)}
		}
		for _, tc := range wc.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, typ.ToolCall{
				ID:            tc.ID,
				Name:          tc.Function.Name,
				ArgumentsJSON: tc.Function.Arguments,
			})
		}
		resp.Choices = append(resp.Choices, choice)
	}
	return resp, nil
}

// openaiChunk is one chat.completion.chunk frame.
type openaiChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiWireUsage `json:"usage"`
}

type openaiStream struct {
	stream *ssestream.Stream[openaiChunk]
	body   io.Closer
	done   bool
}

func (s *openaiStream) Recv() (typ.Delta, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		d, ok := chunkToDelta(chunk)
		if !ok {
			continue
		}
		return d, nil
	}
	if err := s.stream.Err(); err != nil {
		return typ.Delta{}, typ.ClassifyTransport(err)
	}
	return typ.Delta{}, io.EOF
}

func (s *openaiStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

func chunkToDelta(chunk openaiChunk) (typ.Delta, bool) {
	var d typ.Delta
	if chunk.Usage != nil {
		u := chunk.Usage.toUnified()
		d.Usage = &u
	}
	if len(chunk.Choices) == 0 {
		return d, d.Usage != nil
	}
	choice := chunk.Choices[0]
	d.Role = choice.Delta.Role
	d.Content = choice.Delta.Content
	d.Reasoning = choice.Delta.ReasoningContent
	for _, tc := range choice.Delta.ToolCalls {
		d.ToolCalls = append(d.ToolCalls, typ.ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != "" {
		d.FinishReason = mapOpenAIFinishReason(choice.FinishReason)
	}
	empty := d.Role == "" && d.Content == "" && d.Reasoning == "" &&
		len(d.ToolCalls) == 0 && d.FinishReason == "" && d.Usage == nil
	return d, !empty
}

func (a *OpenAIAdapter) GenerateStream(ctx context.Context, c *typ.Credential, req *typ.Request) (Stream, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	wire["stream"] = true
	wire["stream_options"] = map[string]interface{}{"include_usage": true}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL(c)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.GetAccessToken())

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, typ.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, typ.ClassifyStatus(resp.StatusCode, string(data))
	}
	return &openaiStream{
		stream: ssestream.NewStream[openaiChunk](ssestream.NewDecoder(resp), nil),
		body:   resp.Body,
	}, nil
}

func (a *OpenAIAdapter) ListModels(ctx context.Context, c *typ.Credential) ([]typ.ModelInfo, error) {
	var page struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
			Created int64  `json:"created"`
		} `json:"data"`
	}
	client := a.client(c)
	if err := client.Get(ctx, "models", nil, &page); err != nil {
		return nil, classifyOpenAIError(err)
	}
	models := make([]typ.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, typ.ModelInfo{
			ID:        m.ID,
			OwnedBy:   m.OwnedBy,
			CreatedAt: time.Unix(m.Created, 0),
		})
	}
	return models, nil
}

var _ Adapter = (*OpenAIAdapter)(nil)
