package webchat

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/typ"
)

func drain(t *testing.T, s *stream) []typ.Delta {
	t.Helper()
	var deltas []typ.Delta
	for {
		d, err := s.Recv()
		if err == io.EOF {
			return deltas
		}
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
}

func streamOf(lines ...string) *stream {
	return newStream(io.NopCloser(strings.NewReader(strings.Join(lines, "\n"))), "https://assets.example.com")
}

func TestCollapsePromptFinalUserVerbatim(t *testing.T) {
	req := &typ.Request{
		System: []typ.Block{typ.TextBlock("be terse")},
		Messages: []typ.Message{
			{Role: "user", Content: []typ.Block{typ.TextBlock("first question")}},
			{Role: "assistant", Content: []typ.Block{typ.TextBlock("first answer")}},
			{Role: "user", Content: []typ.Block{typ.TextBlock("second question")}},
		},
	}
	prompt, media := collapsePrompt(req)
	assert.Empty(t, media)
	assert.Contains(t, prompt, "system: be terse")
	assert.Contains(t, prompt, "user: first question")
	assert.Contains(t, prompt, "assistant: first answer")
	assert.True(t, strings.HasSuffix(prompt, "second question"),
		"final user message must have no role prefix: %q", prompt)
	assert.NotContains(t, prompt, "user: second question")
}

func TestCollapsePromptToolFormatting(t *testing.T) {
	req := &typ.Request{
		Messages: []typ.Message{
			{Role: "user", Content: []typ.Block{typ.TextBlock("look it up")}},
			{Role: "assistant", Content: []typ.Block{{
				Type: typ.BlockToolUse, ToolID: "call_1", ToolName: "search",
				ArgumentsJSON: `{"q":"x"}`,
			}}},
			{Role: "tool", Name: "search", ToolCallID: "call_1",
				Content: []typ.Block{{Type: typ.BlockToolResult, Content: "42"}}},
			{Role: "user", Content: []typ.Block{typ.TextBlock("and now?")}},
		},
	}
	prompt, _ := collapsePrompt(req)
	assert.Contains(t, prompt, `assistant: <tool_call>{"name": "search", "arguments": {"q":"x"}}</tool_call>`)
	assert.Contains(t, prompt, "user: tool (search, call_1): 42")
}

func TestCollapsePromptExtractsMedia(t *testing.T) {
	req := &typ.Request{
		Messages: []typ.Message{
			{Role: "user", Content: []typ.Block{
				typ.TextBlock("what is this?"),
				{Type: typ.BlockImage, Data: "aGVsbG8=", MIME: "image/png"},
			}},
		},
	}
	prompt, media := collapsePrompt(req)
	require.Len(t, media, 1)
	assert.Equal(t, "aGVsbG8=", media[0].Data)
	assert.Equal(t, "what is this?", prompt)
}

func TestSystemSectionToolManual(t *testing.T) {
	req := &typ.Request{
		Tools: []typ.ToolDef{{
			Name:        "search",
			Description: "web search",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		ToolChoice: typ.ToolChoice{Name: "search"},
	}
	sys := systemSection(req)
	assert.Contains(t, sys, "## Available Tools")
	assert.Contains(t, sys, "### search")
	assert.Contains(t, sys, "web search")
	assert.Contains(t, sys, `{"type":"object"}`)
	assert.Contains(t, sys, `You must call the tool "search"`)
}

func TestTagScannerSplitAcrossFragments(t *testing.T) {
	var s tagScanner
	out := s.feed("before <tool_")
	out += s.feed(`call>{"name":"a"}</tool`)
	out += s.feed("_call> after")
	out += s.flush()
	assert.Equal(t, "before  after", out)
	require.Len(t, s.completed, 1)
	assert.Equal(t, `{"name":"a"}`, s.completed[0])
}

func TestPartialTagSuffix(t *testing.T) {
	cases := map[string]int{
		"hello":        0,
		"hello <":      1,
		"hello <tool_": 6,
		"hello </tool": 6,
		"<tool_call":   10,
		"a < b":        0,
	}
	for in, want := range cases {
		if got := partialTagSuffix(in); got != want {
			t.Errorf("partialTagSuffix(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestStreamToolCallReconstruction(t *testing.T) {
	s := streamOf(
		`{"result":{"response":{"token":"Hello ","responseId":"r1"}}}`,
		`{"result":{"response":{"token":"<tool_call>"}}}`,
		`{"result":{"response":{"token":"{\"name\":\"search\",\"arguments\":{\"q\":\"x\"}}"}}}`,
		`{"result":{"response":{"token":"</tool_call>"}}}`,
		`{"result":{"response":{"token":" done"}}}`,
		`{"result":{"response":{"isDone":true}}}`,
	)
	deltas := drain(t, s)
	require.Len(t, deltas, 4)
	assert.Equal(t, "assistant", deltas[0].Role)
	assert.Equal(t, "Hello ", deltas[1].Content)
	assert.Equal(t, " done", deltas[2].Content)

	terminal := deltas[3]
	assert.Equal(t, typ.FinishToolCalls, terminal.FinishReason)
	require.Len(t, terminal.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(terminal.ToolCalls[0].ID, "call_"))
	assert.Equal(t, "search", terminal.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, terminal.ToolCalls[0].Arguments)
}

func TestStreamThinkingAndInternalTags(t *testing.T) {
	s := streamOf(
		`{"result":{"response":{"token":"pondering","isThinking":true}}}`,
		`{"result":{"response":{"token":"<rolloutId id=\"1\"/>clean"}}}`,
		`{"result":{"response":{"isDone":true}}}`,
	)
	deltas := drain(t, s)
	require.Len(t, deltas, 4)
	assert.Equal(t, "pondering", deltas[1].Reasoning)
	assert.Equal(t, "clean", deltas[2].Content)
	assert.Equal(t, typ.FinishStop, deltas[3].FinishReason)
}

func TestStreamImageProgressAndLinks(t *testing.T) {
	s := streamOf(
		`{"result":{"response":{"streamingImageGenerationResponse":{"progress":40}}}}`,
		`{"result":{"response":{"token":"internal caption","isThinking":false}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["users/u1/pic.png"]}}}}`,
	)
	deltas := drain(t, s)
	require.Len(t, deltas, 5)
	assert.Contains(t, deltas[1].Reasoning, "generating image (40%)")
	// while an image is in flight, tokens are progress chatter, not content
	assert.Equal(t, "internal caption", deltas[2].Reasoning)
	assert.Equal(t, "\n![image](https://assets.example.com/users/u1/pic.png)\n", deltas[3].Content)
	assert.Equal(t, typ.FinishStop, deltas[4].FinishReason)
}

func TestStreamVideoCompletion(t *testing.T) {
	s := streamOf(
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":80}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"videoUrl":"v/clip.mp4","complete":true}}}}`,
		`{"result":{"response":{"isDone":true}}}`,
	)
	deltas := drain(t, s)
	require.Len(t, deltas, 4)
	assert.Contains(t, deltas[1].Reasoning, "generating video (80%)")
	assert.Equal(t, "\n[video](https://assets.example.com/v/clip.mp4)\n", deltas[2].Content)
}

func TestStreamCardAttachment(t *testing.T) {
	s := streamOf(
		`{"result":{"response":{"cardAttachment":{"title":"Weather","text":"sunny","url":"https://w.example.com"}}}}`,
		`{"result":{"response":{"isDone":true}}}`,
	)
	deltas := drain(t, s)
	require.Len(t, deltas, 3)
	assert.Contains(t, deltas[1].Content, "**Weather**")
	assert.Contains(t, deltas[1].Content, "sunny")
}

func TestStreamFinalizesOnEOFWithoutDoneMarker(t *testing.T) {
	s := streamOf(`{"result":{"response":{"token":"partial"}}}`)
	deltas := drain(t, s)
	require.Len(t, deltas, 3)
	assert.Equal(t, "partial", deltas[1].Content)
	assert.Equal(t, typ.FinishStop, deltas[2].FinishReason)
}

func TestDeterministicRequestID(t *testing.T) {
	c := &typ.Credential{UUID: "u-1"}
	a := deterministicRequestID(c, "prompt")
	b := deterministicRequestID(c, "prompt")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, deterministicRequestID(c, "other"))
}
