package adaptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/typ"
)

func decodeFrame(t *testing.T, f Frame) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	return payload
}

func TestOpenAIEmitterStream(t *testing.T) {
	tr, err := ForDialect(typ.DialectOpenAI)
	require.NoError(t, err)
	em := tr.NewEmitter("chatcmpl-1", "gpt-4o")

	frames := em.Emit(typ.Delta{Content: "Hel"})
	require.Len(t, frames, 1)
	payload := decodeFrame(t, frames[0])
	assert.Equal(t, "chat.completion.chunk", payload["object"])
	choice := payload["choices"].([]interface{})[0].(map[string]interface{})
	delta := choice["delta"].(map[string]interface{})
	// First chunk carries the synthetic role.
	assert.Equal(t, "assistant", delta["role"])
	assert.Equal(t, "Hel", delta["content"])
	assert.Nil(t, choice["finish_reason"])

	frames = em.Emit(typ.Delta{Content: "lo"})
	require.Len(t, frames, 1)
	delta = decodeFrame(t, frames[0])["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	_, hasRole := delta["role"]
	assert.False(t, hasRole)

	frames = em.Emit(typ.Delta{
		FinishReason: typ.FinishStop,
		Usage:        &typ.Usage{InputTokens: 10, OutputTokens: 2},
	})
	require.Len(t, frames, 2)
	payload = decodeFrame(t, frames[0])
	choice = payload["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "stop", choice["finish_reason"])
	usage := payload["usage"].(map[string]interface{})
	assert.Equal(t, float64(12), usage["total_tokens"])
	assert.True(t, frames[1].Done)

	// Emitting after the terminal chunk is a no-op.
	assert.Nil(t, em.Emit(typ.Delta{Content: "late"}))
	assert.Nil(t, em.Finish())
}

func TestOpenAIEmitterToolCallFragments(t *testing.T) {
	tr, _ := ForDialect(typ.DialectOpenAI)
	em := tr.NewEmitter("chatcmpl-2", "gpt-4o")

	frames := em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{"ci`},
	}})
	require.Len(t, frames, 1)
	delta := decodeFrame(t, frames[0])["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	tc := delta["tool_calls"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "call_1", tc["id"])
	assert.Equal(t, "function", tc["type"])
	fn := tc["function"].(map[string]interface{})
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, `{"ci`, fn["arguments"])

	// Continuation fragments carry only the argument text.
	frames = em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, Arguments: `ty":"London"}`},
	}})
	require.Len(t, frames, 1)
	delta = decodeFrame(t, frames[0])["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	tc = delta["tool_calls"].([]interface{})[0].(map[string]interface{})
	_, hasID := tc["id"]
	assert.False(t, hasID)
	assert.Equal(t, `ty":"London"}`, tc["function"].(map[string]interface{})["arguments"])
}

func TestAnthropicEmitterEventSequence(t *testing.T) {
	tr, _ := ForDialect(typ.DialectAnthropic)
	em := tr.NewEmitter("msg_1", "claude-sonnet-4")

	var events []string
	collect := func(frames []Frame) {
		for _, f := range frames {
			events = append(events, f.Event)
		}
	}

	collect(em.Emit(typ.Delta{Reasoning: "thinking..."}))
	collect(em.Emit(typ.Delta{Content: "The weather"}))
	collect(em.Emit(typ.Delta{Content: " is wet."}))
	collect(em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, ID: "toolu_1", Name: "get_weather", Arguments: `{"city":`},
	}}))
	collect(em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, Arguments: `"London"}`},
	}}))
	collect(em.Emit(typ.Delta{
		FinishReason: typ.FinishToolCalls,
		Usage:        &typ.Usage{InputTokens: 25, OutputTokens: 7},
	}))

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", // thinking
		"content_block_start", "content_block_delta", // text
		"content_block_delta",
		"content_block_start", "content_block_delta", // tool_use
		"content_block_delta",
		"content_block_stop", "content_block_stop", "content_block_stop",
		"message_delta",
		"message_stop",
	}, events)
}

func TestAnthropicEmitterToolUseBlocks(t *testing.T) {
	tr, _ := ForDialect(typ.DialectAnthropic)
	em := tr.NewEmitter("msg_2", "claude-sonnet-4")

	frames := em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, ID: "toolu_9", Name: "lookup", Arguments: `{"q"`},
	}})
	// message_start, content_block_start, content_block_delta
	require.Len(t, frames, 3)

	start := decodeFrame(t, frames[1])
	assert.Equal(t, float64(0), start["index"])
	block := start["content_block"].(map[string]interface{})
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "toolu_9", block["id"])
	assert.Equal(t, "lookup", block["name"])

	delta := decodeFrame(t, frames[2])["delta"].(map[string]interface{})
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.Equal(t, `{"q"`, delta["partial_json"])

	frames = em.Emit(typ.Delta{FinishReason: typ.FinishToolCalls, Usage: &typ.Usage{InputTokens: 5, OutputTokens: 3}})
	var messageDelta map[string]interface{}
	for _, f := range frames {
		if f.Event == "message_delta" {
			messageDelta = decodeFrame(t, f)
		}
	}
	require.NotNil(t, messageDelta)
	assert.Equal(t, "tool_use", messageDelta["delta"].(map[string]interface{})["stop_reason"])
	assert.Equal(t, float64(3), messageDelta["usage"].(map[string]interface{})["output_tokens"])
}

func TestAnthropicEmitterFinishWithoutDeltas(t *testing.T) {
	tr, _ := ForDialect(typ.DialectAnthropic)
	em := tr.NewEmitter("msg_3", "claude-sonnet-4")

	frames := em.Finish()
	var events []string
	for _, f := range frames {
		events = append(events, f.Event)
	}
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, events)
	assert.Nil(t, em.Finish())
}

func TestGeminiEmitterBuffersToolArguments(t *testing.T) {
	tr, _ := ForDialect(typ.DialectGemini)
	em := tr.NewEmitter("resp_1", "gemini-2.5-pro")

	frames := em.Emit(typ.Delta{Content: "Checking"})
	require.Len(t, frames, 1)
	payload := decodeFrame(t, frames[0])
	candidate := payload["candidates"].([]interface{})[0].(map[string]interface{})
	parts := candidate["content"].(map[string]interface{})["parts"].([]interface{})
	assert.Equal(t, "Checking", parts[0].(map[string]interface{})["text"])
	_, hasFinish := candidate["finishReason"]
	assert.False(t, hasFinish)

	// Tool argument fragments produce no frames until the terminal delta.
	assert.Nil(t, em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{"city":`},
	}}))
	assert.Nil(t, em.Emit(typ.Delta{ToolCalls: []typ.ToolCallDelta{
		{Index: 0, Arguments: `"Paris"}`},
	}}))

	frames = em.Emit(typ.Delta{
		FinishReason: typ.FinishToolCalls,
		Usage:        &typ.Usage{InputTokens: 8, OutputTokens: 4},
	})
	require.Len(t, frames, 2)
	payload = decodeFrame(t, frames[0])
	candidate = payload["candidates"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "STOP", candidate["finishReason"])
	parts = candidate["content"].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 1)
	call := parts[0].(map[string]interface{})["functionCall"].(map[string]interface{})
	assert.Equal(t, "get_weather", call["name"])
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, call["args"].(map[string]interface{}))
	usage := payload["usageMetadata"].(map[string]interface{})
	assert.Equal(t, float64(12), usage["totalTokenCount"])
	assert.True(t, frames[1].Done)
}
