package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/typ"
)

func TestCredentialKey(t *testing.T) {
	a := &typ.Credential{UUID: "u1", Token: "secret-a"}
	b := &typ.Credential{UUID: "u1", Token: "secret-b"}
	assert.Equal(t, credentialKey(a), credentialKey(a))
	assert.NotEqual(t, credentialKey(a), credentialKey(b),
		"rotated token must produce a fresh client cache key")
}

func TestMapOpenAIFinishReason(t *testing.T) {
	cases := map[string]typ.FinishReason{
		"stop":           typ.FinishStop,
		"length":         typ.FinishLength,
		"tool_calls":     typ.FinishToolCalls,
		"function_call":  typ.FinishToolCalls,
		"content_filter": typ.FinishError,
		"":               typ.FinishStop,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapOpenAIFinishReason(in), "input %q", in)
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	assert.Equal(t, typ.FinishLength, mapAnthropicStopReason("max_tokens"))
	assert.Equal(t, typ.FinishToolCalls, mapAnthropicStopReason("tool_use"))
	assert.Equal(t, typ.FinishStop, mapAnthropicStopReason("end_turn"))
}

func TestChunkToDelta(t *testing.T) {
	var chunk openaiChunk
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "c1",
		"choices": [{
			"index": 0,
			"delta": {
				"role": "assistant",
				"tool_calls": [{"index": 0, "id": "call_1", "function": {"name": "search", "arguments": "{\"q\""}}]
			}
		}]
	}`), &chunk))
	d, ok := chunkToDelta(chunk)
	require.True(t, ok)
	assert.Equal(t, "assistant", d.Role)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "call_1", d.ToolCalls[0].ID)
	assert.Equal(t, "search", d.ToolCalls[0].Name)
	assert.Equal(t, `{"q"`, d.ToolCalls[0].Arguments)
}

func TestChunkToDeltaSkipsEmpty(t *testing.T) {
	var chunk openaiChunk
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","choices":[{"index":0,"delta":{}}]}`), &chunk))
	_, ok := chunkToDelta(chunk)
	assert.False(t, ok)
}

func TestChunkToDeltaUsageOnly(t *testing.T) {
	var chunk openaiChunk
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4}}`), &chunk))
	d, ok := chunkToDelta(chunk)
	require.True(t, ok)
	require.NotNil(t, d.Usage)
	assert.Equal(t, int64(10), d.Usage.InputTokens)
	assert.Equal(t, int64(4), d.Usage.OutputTokens)
}

func TestGeminiStreamEnqueue(t *testing.T) {
	s := &geminiStream{}
	s.enqueue(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "mulling", Thought: true},
				{Text: "hello"},
				{FunctionCall: &genai.FunctionCall{ID: "fc1", Name: "search", Args: map[string]any{"q": "x"}}},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     7,
			CandidatesTokenCount: 3,
		},
	})

	require.Len(t, s.queue, 5)
	assert.Equal(t, "assistant", s.queue[0].Role)
	assert.Equal(t, "mulling", s.queue[1].Reasoning)
	assert.Equal(t, "hello", s.queue[2].Content)
	require.Len(t, s.queue[3].ToolCalls, 1)
	assert.Equal(t, "search", s.queue[3].ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, s.queue[3].ToolCalls[0].Arguments)

	terminal := s.queue[4]
	assert.Equal(t, typ.FinishToolCalls, terminal.FinishReason,
		"a candidate with function calls finishes as tool_calls even when the wire says STOP")
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, int64(7), terminal.Usage.InputTokens)
}

type fakeCatalogAdapter struct {
	kind   typ.ProviderKind
	models []typ.ModelInfo
	err    error
	calls  int
}

func (f *fakeCatalogAdapter) Kind() typ.ProviderKind { return f.kind }

func (f *fakeCatalogAdapter) Generate(context.Context, *typ.Credential, *typ.Request) (*typ.Response, error) {
	return nil, nil
}

func (f *fakeCatalogAdapter) GenerateStream(context.Context, *typ.Credential, *typ.Request) (Stream, error) {
	return nil, nil
}

func (f *fakeCatalogAdapter) ListModels(context.Context, *typ.Credential) ([]typ.ModelInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func TestCatalogCachesUntilStale(t *testing.T) {
	fake := &fakeCatalogAdapter{
		kind:   typ.ProviderOpenAI,
		models: []typ.ModelInfo{{ID: "gpt-4o"}},
	}
	registry := NewRegistry()
	registry.Register(fake)

	catalog := NewCatalog(registry, time.Minute)
	now := time.Now()
	catalog.now = func() time.Time { return now }

	cred := &typ.Credential{UUID: "u1"}
	models, at, err := catalog.Models(t.Context(), typ.ProviderOpenAI, cred)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", models[0].ID)
	assert.Equal(t, now, at)

	_, _, err = catalog.Models(t.Context(), typ.ProviderOpenAI, cred)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls, "second call inside the TTL must be served from cache")

	now = now.Add(2 * time.Minute)
	_, _, err = catalog.Models(t.Context(), typ.ProviderOpenAI, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
}

func TestCatalogServesStaleOnRefreshFailure(t *testing.T) {
	fake := &fakeCatalogAdapter{
		kind:   typ.ProviderOpenAI,
		models: []typ.ModelInfo{{ID: "gpt-4o"}},
	}
	registry := NewRegistry()
	registry.Register(fake)

	catalog := NewCatalog(registry, time.Minute)
	now := time.Now()
	catalog.now = func() time.Time { return now }

	cred := &typ.Credential{UUID: "u1"}
	_, _, err := catalog.Models(t.Context(), typ.ProviderOpenAI, cred)
	require.NoError(t, err)

	fake.err = io.ErrUnexpectedEOF
	now = now.Add(2 * time.Minute)
	models, at, err := catalog.Models(t.Context(), typ.ProviderOpenAI, cred)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", models[0].ID)
	assert.True(t, at.Before(now))
}

func TestCatalogUnknownKind(t *testing.T) {
	catalog := NewCatalog(NewRegistry(), time.Minute)
	_, _, err := catalog.Models(t.Context(), typ.ProviderGemini, &typ.Credential{})
	assert.Error(t, err)
}

func TestAnthropicTokenSourceRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "old-refresh", body["refresh_token"])
		assert.Equal(t, anthropicOAuthClientID, body["client_id"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	source := NewAnthropicTokenSource(srv.Client())
	source.tokenURL = srv.URL

	cred := &typ.Credential{
		UUID:     "u1",
		AuthType: typ.AuthTypeOAuth,
		OAuthDetail: &typ.OAuthDetail{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
			ExtraFields:  map[string]interface{}{"scope": "chat"},
		},
	}
	detail, err := source.RefreshToken(t.Context(), cred)
	require.NoError(t, err)
	assert.Equal(t, "new-access", detail.AccessToken)
	assert.Equal(t, "new-refresh", detail.RefreshToken)
	assert.Equal(t, map[string]interface{}{"scope": "chat"}, detail.ExtraFields)

	exp, err := time.Parse(time.RFC3339, detail.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 10*time.Second)
}

func TestAnthropicTokenSourceKeepsRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"expires_in":   600,
		})
	}))
	defer srv.Close()

	source := NewAnthropicTokenSource(srv.Client())
	source.tokenURL = srv.URL

	detail, err := source.RefreshToken(t.Context(), &typ.Credential{
		UUID:        "u1",
		AuthType:    typ.AuthTypeOAuth,
		OAuthDetail: &typ.OAuthDetail{RefreshToken: "keep-me"},
	})
	require.NoError(t, err)
	assert.Equal(t, "keep-me", detail.RefreshToken)
}

func TestAnthropicTokenSourceRefusesWithoutRefreshToken(t *testing.T) {
	source := NewAnthropicTokenSource(http.DefaultClient)
	_, err := source.RefreshToken(t.Context(), &typ.Credential{UUID: "u1"})
	assert.Error(t, err)
}
