package adaptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/typ"
)

func TestParseOpenAIRequest(t *testing.T) {
	tr, err := ForDialect(typ.DialectOpenAI)
	require.NoError(t, err)

	body := []byte(`{
		"model": "gpt-4o",
		"max_tokens": 256,
		"temperature": 0.7,
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "What is the weather in London?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"London\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "12C, raining"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "description": "Look up weather", "parameters": {"type": "object"}}}],
		"seed": 42
	}`)

	req, err := tr.ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, int64(256), req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, "Be terse.", req.SystemText())

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	require.Len(t, req.Messages[1].Content, 1)
	assert.Equal(t, typ.BlockToolUse, req.Messages[1].Content[0].Type)
	assert.Equal(t, "get_weather", req.Messages[1].Content[0].ToolName)
	assert.JSONEq(t, `{"city":"London"}`, req.Messages[1].Content[0].ArgumentsJSON)

	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "call_1", req.Messages[2].ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)

	// Unrecognized fields survive for the upstream request.
	require.Contains(t, req.Extra, "seed")
	assert.Equal(t, "42", string(req.Extra["seed"]))
}

func TestParseAnthropicRequest(t *testing.T) {
	tr, err := ForDialect(typ.DialectAnthropic)
	require.NoError(t, err)

	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": [{"type": "text", "text": "Be helpful.", "cache_control": {"type": "ephemeral"}}],
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hi"}]},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "pondering", "signature": "sig"},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found it"}
			]}
		]
	}`)

	req, err := tr.ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", req.Model)
	require.Len(t, req.System, 1)
	require.NotNil(t, req.System[0].CacheControl)

	require.Len(t, req.Messages, 3)
	assistant := req.Messages[1]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, typ.BlockThinking, assistant.Content[0].Type)
	assert.Equal(t, "sig", assistant.Content[0].Signature)
	assert.Equal(t, typ.BlockToolUse, assistant.Content[1].Type)
	assert.JSONEq(t, `{"q":"x"}`, assistant.Content[1].ArgumentsJSON)

	// tool_result blocks split out into role-tool messages.
	toolMsg := req.Messages[2]
	assert.Equal(t, "tool", toolMsg.Role)
	require.Len(t, toolMsg.Content, 1)
	assert.Equal(t, "toolu_1", toolMsg.Content[0].CallID)
	assert.Equal(t, "found it", toolMsg.Content[0].Content)
}

func TestParseGeminiRequest(t *testing.T) {
	tr, err := ForDialect(typ.DialectGemini)
	require.NoError(t, err)

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be brief."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "weather in Paris?"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get_weather", "response": {"output": "18C"}}}]}
		],
		"generationConfig": {"maxOutputTokens": 512}
	}`)

	req, err := tr.ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "Be brief.", req.SystemText())
	assert.Equal(t, int64(512), req.MaxTokens)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, typ.BlockToolUse, req.Messages[1].Content[0].Type)
	assert.JSONEq(t, `{"city":"Paris"}`, req.Messages[1].Content[0].ArgumentsJSON)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "18C", req.Messages[2].Content[0].Content)
}

// A request parsed from one dialect and rebuilt for the same dialect keeps
// tool arguments and opaque fields byte-stable.
func TestOpenAIRoundTripPreservesArguments(t *testing.T) {
	tr, err := ForDialect(typ.DialectOpenAI)
	require.NoError(t, err)

	argsJSON := `{"city":"London","units":"metric"}`
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "call_9", "type": "function", "function": {"name": "f", "arguments": "` +
		`{\"city\":\"London\",\"units\":\"metric\"}` + `"}}
			]}
		]
	}`)

	req, err := tr.ParseRequest(body)
	require.NoError(t, err)

	wire, warnings, err := tr.BuildRequest(req)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	out, err := json.Marshal(wire)
	require.NoError(t, err)

	var decoded struct {
		Messages []struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded.Messages, 1)
	require.Len(t, decoded.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call_9", decoded.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, argsJSON, decoded.Messages[0].ToolCalls[0].Function.Arguments)
}

func TestBuildAnthropicRequestMergesToolResults(t *testing.T) {
	tr, err := ForDialect(typ.DialectAnthropic)
	require.NoError(t, err)

	req := &typ.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []typ.Message{
			{Role: "assistant", Content: []typ.Block{{
				Type: typ.BlockToolUse, ToolID: "toolu_1", ToolName: "f", ArgumentsJSON: `{}`,
			}}},
			{Role: "tool", ToolCallID: "toolu_1", Content: []typ.Block{{
				Type: typ.BlockToolResult, CallID: "toolu_1", Content: "ok",
			}}},
			{Role: "user", Content: []typ.Block{typ.TextBlock("thanks")}},
		},
	}

	wire, _, err := tr.BuildRequest(req)
	require.NoError(t, err)

	messages, ok := wire["messages"].([]map[string]interface{})
	require.True(t, ok)
	// assistant turn, then one merged user turn (tool_result + text).
	require.Len(t, messages, 2)
	assert.Equal(t, "assistant", messages[0]["role"])
	assert.Equal(t, "user", messages[1]["role"])
	content, ok := messages[1]["content"].([]interface{})
	require.True(t, ok)
	require.Len(t, content, 2)
	assert.Equal(t, "tool_result", content[0].(map[string]interface{})["type"])
	assert.Equal(t, "text", content[1].(map[string]interface{})["type"])
}

func TestBuildGeminiRequestToolChoice(t *testing.T) {
	tr, err := ForDialect(typ.DialectGemini)
	require.NoError(t, err)

	tests := []struct {
		name         string
		choice       typ.ToolChoice
		expectMode   string
		expectNames  []string
		expectAbsent bool
	}{
		{name: "auto", choice: typ.ToolChoice{Mode: "auto"}, expectMode: "AUTO"},
		{name: "none", choice: typ.ToolChoice{Mode: "none"}, expectMode: "NONE"},
		{name: "required", choice: typ.ToolChoice{Mode: "required"}, expectMode: "ANY"},
		{name: "named", choice: typ.ToolChoice{Name: "f"}, expectMode: "ANY", expectNames: []string{"f"}},
		{name: "unset", choice: typ.ToolChoice{}, expectAbsent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, _, err := tr.BuildRequest(&typ.Request{
				Model:      "gemini-2.5-pro",
				Messages:   []typ.Message{{Role: "user", Content: []typ.Block{typ.TextBlock("hi")}}},
				ToolChoice: tt.choice,
			})
			require.NoError(t, err)
			raw, ok := wire["toolConfig"]
			if tt.expectAbsent {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			out, err := json.Marshal(raw)
			require.NoError(t, err)
			var decoded struct {
				FunctionCallingConfig struct {
					Mode                 string   `json:"mode"`
					AllowedFunctionNames []string `json:"allowedFunctionNames"`
				} `json:"functionCallingConfig"`
			}
			require.NoError(t, json.Unmarshal(out, &decoded))
			assert.Equal(t, tt.expectMode, decoded.FunctionCallingConfig.Mode)
			assert.Equal(t, tt.expectNames, decoded.FunctionCallingConfig.AllowedFunctionNames)
		})
	}
}

func TestBuildOpenAIRequestAudioDroppedForAnthropic(t *testing.T) {
	tr, err := ForDialect(typ.DialectAnthropic)
	require.NoError(t, err)

	req := &typ.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 100,
		Messages: []typ.Message{{
			Role: "user",
			Content: []typ.Block{
				typ.TextBlock("listen to this"),
				{Type: typ.BlockInputAudio, Data: "AAAA", MIME: "audio/wav"},
			},
		}},
	}
	wire, warnings, err := tr.BuildRequest(req)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	messages := wire["messages"].([]map[string]interface{})
	require.Len(t, messages, 1)
	content := messages[0]["content"].([]interface{})
	assert.Len(t, content, 1)
}
