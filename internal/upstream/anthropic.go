package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicstream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/pkg/adaptor"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"

	// Public OAuth client used by the CLI credential flow.
	anthropicOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicTokenURL      = "https://console.anthropic.com/v1/oauth/token"
)

// AnthropicAdapter speaks the Anthropic Messages API through the official
// SDK, with raw SSE for streaming.
type AnthropicAdapter struct {
	httpClient *http.Client
	translator adaptor.Translator

	mu      sync.RWMutex
	clients map[string]anthropic.Client
}

func NewAnthropicAdapter(httpClient *http.Client) *AnthropicAdapter {
	tr, _ := adaptor.ForDialect(typ.DialectAnthropic)
	return &AnthropicAdapter{
		httpClient: httpClient,
		translator: tr,
		clients:    make(map[string]anthropic.Client),
	}
}

func (a *AnthropicAdapter) Kind() typ.ProviderKind { return typ.ProviderAnthropic }

func (a *AnthropicAdapter) baseURL(c *typ.Credential) string {
	base := c.APIBase
	if base == "" {
		return defaultAnthropicBase
	}
	// The SDK expects the base without /v1.
	base = strings.TrimRight(base, "/")
	return strings.TrimSuffix(base, "/v1")
}

func (a *AnthropicAdapter) client(c *typ.Credential) anthropic.Client {
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
	logrus.Debugf("creating anthropic client for credential %s", c.UUID)
	options := []anthropicOption.RequestOption{
		anthropicOption.WithBaseURL(a.baseURL(c)),
		anthropicOption.WithHTTPClient(a.httpClient),
		anthropicOption.WithMaxRetries(0),
	}
	if c.AuthType == typ.AuthTypeOAuth {
		options = append(options,
			anthropicOption.WithAuthToken(c.GetAccessToken()),
			anthropicOption.WithHeader("anthropic-beta", "oauth-2025-04-20"),
		)
	} else {
		options = append(options, anthropicOption.WithAPIKey(c.GetAccessToken()))
	}
	client := anthropic.NewClient(options...)
	a.clients[key] = client
	return client
}

func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return typ.ClassifyStatus(apierr.StatusCode, apierr.Error())
	}
	return typ.ClassifyTransport(err)
}

type anthropicWireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *anthropicWireUsage) toUnified() typ.Usage {
	return typ.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

type anthropicWireMessage struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Signature string          `json:"signature"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicWireUsage `json:"usage"`
}

func mapAnthropicStopReason(s string) typ.FinishReason {
	switch s {
	case "max_tokens":
		return typ.FinishLength
	case "tool_use":
		return typ.FinishToolCalls
	default:
		return typ.FinishStop
	}
}

func (a *AnthropicAdapter) Generate(ctx context.Context, c *typ.Credential, req *typ.Request) (*typ.Response, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	delete(wire, "stream")

	var msg anthropicWireMessage
	client := a.client(c)
	if err := client.Post(ctx, "v1/messages", wire, &msg); err != nil {
		return nil, classifyAnthropicError(err)
	}

	choice := typ.Choice{
		Message:      typ.Message{Role: "assistant"},
		FinishReason: mapAnthropicStopReason(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			choice.Message.Content = append(choice.Message.Content, typ.TextBlock(block.Text))
		case "thinking":
			choice.Reasoning += block.Thinking
		case "tool_use":
			choice.ToolCalls = append(choice.ToolCalls, typ.ToolCall{
				ID:            block.ID,
				Name:          block.Name,
				ArgumentsJSON: string(block.Input),
			})
		}
	}
	return &typ.Response{
		ID:      msg.ID,
		Model:   msg.Model,
		Choices: []typ.Choice{choice},
		Usage:   msg.Usage.toUnified(),
	}, nil
}

// anthropicEvent is one typed SSE frame of a streaming message.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string             `json:"id"`
		Usage anthropicWireUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicWireUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStream struct {
	stream *anthropicstream.Stream[anthropicEvent]
	body   io.Closer
	done   bool

	inputUsage typ.Usage
	// content block index -> unified tool-call index
	toolIndex map[int]int
	nextTool  int
	// buffered terminal delta: message_delta carries stop_reason and usage,
	// message_stop ends the stream.
	finish *typ.Delta
}

func (s *anthropicStream) Recv() (typ.Delta, error) {
	for s.stream.Next() {
		ev := s.stream.Current()
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.inputUsage = ev.Message.Usage.toUnified()
			}
			return typ.Delta{Role: "assistant"}, nil
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				idx := s.nextTool
				s.nextTool++
				s.toolIndex[ev.Index] = idx
				return typ.Delta{ToolCalls: []typ.ToolCallDelta{{
					Index: idx,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}}}, nil
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				return typ.Delta{Content: ev.Delta.Text}, nil
			case "thinking_delta":
				return typ.Delta{Reasoning: ev.Delta.Thinking}, nil
			case "input_json_delta":
				idx, ok := s.toolIndex[ev.Index]
				if !ok {
					continue
				}
				return typ.Delta{ToolCalls: []typ.ToolCallDelta{{
					Index:     idx,
					Arguments: ev.Delta.PartialJSON,
				}}}, nil
			}
		case "message_delta":
			d := typ.Delta{FinishReason: typ.FinishStop}
			if ev.Delta != nil {
				d.FinishReason = mapAnthropicStopReason(ev.Delta.StopReason)
			}
			usage := s.inputUsage
			if ev.Usage != nil {
				out := ev.Usage.toUnified()
				usage.OutputTokens = out.OutputTokens
			}
			d.Usage = &usage
			s.finish = &d
		case "message_stop":
			if s.finish != nil {
				d := *s.finish
				s.finish = nil
				return d, nil
			}
			return typ.Delta{FinishReason: typ.FinishStop}, nil
		case "error":
			if ev.Error != nil {
				return typ.Delta{}, &typ.UpstreamError{
					StatusCode: http.StatusBadGateway,
					Message:    ev.Error.Message,
					Retryable:  true,
				}
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return typ.Delta{}, typ.ClassifyTransport(err)
	}
	return typ.Delta{}, io.EOF
}

func (s *anthropicStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

func (a *AnthropicAdapter) GenerateStream(ctx context.Context, c *typ.Credential, req *typ.Request) (Stream, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return nil, err
	}
	wire["stream"] = true

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL(c)+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if c.AuthType == typ.AuthTypeOAuth {
		httpReq.Header.Set("Authorization", "Bearer "+c.GetAccessToken())
		httpReq.Header.Set("anthropic-beta", "oauth-2025-04-20")
	} else {
		httpReq.Header.Set("x-api-key", c.GetAccessToken())
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, typ.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, typ.ClassifyStatus(resp.StatusCode, string(data))
	}
	return &anthropicStream{
		stream:    anthropicstream.NewStream[anthropicEvent](anthropicstream.NewDecoder(resp), nil),
		body:      resp.Body,
		toolIndex: make(map[int]int),
	}, nil
}

func (a *AnthropicAdapter) ListModels(ctx context.Context, c *typ.Credential) ([]typ.ModelInfo, error) {
	var page struct {
		Data []struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"data"`
	}
	client := a.client(c)
	if err := client.Get(ctx, "v1/models", nil, &page); err != nil {
		return nil, classifyAnthropicError(err)
	}
	models := make([]typ.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, typ.ModelInfo{ID: m.ID, OwnedBy: "anthropic", CreatedAt: m.CreatedAt})
	}
	return models, nil
}

// CountTokens asks the upstream to count the request's input tokens.
func (a *AnthropicAdapter) CountTokens(ctx context.Context, c *typ.Credential, req *typ.Request) (int64, error) {
	wire, _, err := a.translator.BuildRequest(req)
	if err != nil {
		return 0, err
	}
	delete(wire, "stream")
	delete(wire, "max_tokens")

	var result struct {
		InputTokens int64 `json:"input_tokens"`
	}
	client := a.client(c)
	if err := client.Post(ctx, "v1/messages/count_tokens", wire, &result); err != nil {
		return 0, classifyAnthropicError(err)
	}
	return result.InputTokens, nil
}

var (
	_ Adapter      = (*AnthropicAdapter)(nil)
	_ TokenCounter = (*AnthropicAdapter)(nil)
)

// AnthropicTokenSource refreshes OAuth access tokens against the public
// token endpoint.
type AnthropicTokenSource struct {
	httpClient *http.Client
	tokenURL   string
}

func NewAnthropicTokenSource(httpClient *http.Client) *AnthropicTokenSource {
	return &AnthropicTokenSource{httpClient: httpClient, tokenURL: anthropicTokenURL}
}

func (s *AnthropicTokenSource) RefreshToken(ctx context.Context, c *typ.Credential) (*typ.OAuthDetail, error) {
	if c.OAuthDetail == nil || c.OAuthDetail.RefreshToken == "" {
		return nil, fmt.Errorf("credential %s has no refresh token", c.UUID)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": c.OAuthDetail.RefreshToken,
		"client_id":     anthropicOAuthClientID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token refresh failed: status %d, body: %s", resp.StatusCode, string(data))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	refreshToken := tokenResp.RefreshToken
	if refreshToken == "" {
		refreshToken = c.OAuthDetail.RefreshToken
	}
	return &typ.OAuthDetail{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Format(time.RFC3339),
		ExtraFields:  c.OAuthDetail.ExtraFields,
	}, nil
}
