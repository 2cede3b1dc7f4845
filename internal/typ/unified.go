package typ

import "encoding/json"

// BlockType tags one content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockInputAudio BlockType = "input_audio"
	BlockFile       BlockType = "file"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// CacheControl marks a block as a prompt-cache boundary. The prefix up to and
// including the marked block is cacheable.
type CacheControl struct {
	TTL string `json:"ttl,omitempty"` // "5m" or "1h"
}

// Block is one tagged content variant inside a message.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText / BlockThinking
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// BlockImage / BlockInputAudio / BlockFile
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // base64
	MIME string `json:"mime,omitempty"`

	// BlockToolUse. ArgumentsJSON keeps the provider's original argument
	// string verbatim so A-to-A round trips do not re-serialise.
	ToolID        string `json:"tool_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`

	// BlockToolResult
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// Message is the internal canonical message form.
type Message struct {
	Role    string  `json:"role"` // system, user, assistant, tool
	Content []Block `json:"content"`

	// Tool role only.
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// PlainText concatenates the message's text blocks.
func (m *Message) PlainText() string {
	var s string
	for _, b := range m.Content {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice restricts how the model may call tools. Mode is one of auto,
// none, required; Name forces one specific tool and wins over Mode.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"`
	Name string `json:"name,omitempty"`
}

// Request is the internal canonical request form passed between the dialect
// translator and the upstream adapters.
type Request struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	System      []Block    `json:"system,omitempty"`
	Tools       []ToolDef  `json:"tools,omitempty"`
	ToolChoice  ToolChoice `json:"tool_choice,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	MaxTokens   int64      `json:"max_tokens,omitempty"`

	// UserID is the caller identity used to derive the prefix-cache session.
	UserID string `json:"user,omitempty"`

	// Extra carries provider-opaque fields preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// SystemText concatenates the request's system blocks.
func (r *Request) SystemText() string {
	var s string
	for _, b := range r.System {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// FinishReason is the terminal reason of one choice.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage reports token accounting for one completed request.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	ReasoningTokens     int64 `json:"reasoning_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// ToolCall is one completed tool invocation on a response.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Response is the terminal unified completion.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ToolCallDelta is one incremental tool-call fragment. ID and Name are set
// only on the first fragment for an index; Arguments carries the raw JSON
// text fragment.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is one unified stream event.
type Delta struct {
	Role         string          `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// Warning is set when the translator had to drop content the target
	// dialect cannot represent. It is surfaced, never silently discarded.
	Warning string `json:"warning,omitempty"`
}
