package adaptor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// openaiTranslator implements the OpenAI-style dialect: flat message list,
// string-or-parts content, tool calls on assistant messages, tool results as
// separate role=tool messages.
type openaiTranslator struct{}

func (t *openaiTranslator) Dialect() typ.Dialect { return typ.DialectOpenAI }

// openaiRequestKeys are the fields the translator consumes; everything else
// is preserved verbatim as provider-opaque extras.
var openaiRequestKeys = map[string]bool{
	"model": true, "messages": true, "tools": true, "tool_choice": true,
	"stream": true, "temperature": true, "max_tokens": true,
	"max_completion_tokens": true, "user": true, "stream_options": true,
}

type openaiToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiMessage struct {
	Role             string           `json:"role"`
	Content          json.RawMessage  `json:"content,omitempty"`
	Name             string           `json:"name,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Tools               []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		} `json:"function"`
	} `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	MaxTokens           int64           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int64           `json:"max_completion_tokens,omitempty"`
	User                string          `json:"user,omitempty"`
}

func (t *openaiTranslator) ParseRequest(body []byte) (*typ.Request, error) {
	var wire openaiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("missing model")
	}

	req := &typ.Request{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		UserID:      wire.User,
		Extra:       extractExtras(body, openaiRequestKeys),
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = wire.MaxCompletionTokens
	}

	for _, m := range wire.Messages {
		switch m.Role {
		case "system", "developer":
			// System content lifts into the top-level system field.
			req.System = append(req.System, typ.TextBlock(openaiContentToText(m.Content)))
		case "tool":
			req.Messages = append(req.Messages, typ.Message{
				Role:       "tool",
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
				Content: []typ.Block{{
					Type:    typ.BlockToolResult,
					CallID:  m.ToolCallID,
					Content: openaiContentToText(m.Content),
				}},
			})
		default:
			msg := typ.Message{Role: m.Role, Name: m.Name}
			msg.Content = append(msg.Content, openaiContentToBlocks(m.Content)...)
			if m.ReasoningContent != "" {
				msg.Content = append(msg.Content, typ.Block{Type: typ.BlockThinking, Text: m.ReasoningContent})
			}
			for _, tc := range m.ToolCalls {
				// Arguments stay verbatim so A-to-A round trips do not
				// re-serialise.
				msg.Content = append(msg.Content, typ.Block{
					Type:          typ.BlockToolUse,
					ToolID:        tc.ID,
					ToolName:      tc.Function.Name,
					ArgumentsJSON: tc.Function.Arguments,
				})
			}
			req.Messages = append(req.Messages, msg)
		}
	}

	for _, tool := range wire.Tools {
		if tool.Function.Name == "" {
			continue
		}
		req.Tools = append(req.Tools, typ.ToolDef{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	req.ToolChoice = parseOpenAIToolChoice(wire.ToolChoice)
	return req, nil
}

// parseOpenAIToolChoice handles both the string form ("auto", "none",
// "required") and the object form {type:"function", function:{name}}.
func parseOpenAIToolChoice(raw json.RawMessage) typ.ToolChoice {
	if len(raw) == 0 {
		return typ.ToolChoice{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return typ.ToolChoice{Mode: s}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return typ.ToolChoice{Name: obj.Function.Name}
	}
	return typ.ToolChoice{}
}

// openaiContentToText flattens string-or-parts content to plain text.
func openaiContentToText(raw json.RawMessage) string {
	var text string
	for _, b := range openaiContentToBlocks(raw) {
		if b.Type == typ.BlockText {
			text += b.Text
		}
	}
	return text
}

// openaiContentToBlocks converts string-or-parts content into unified blocks.
func openaiContentToBlocks(raw json.RawMessage) []typ.Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []typ.Block{typ.TextBlock(s)}
	}

	var parts []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []typ.Block
	for _, part := range parts {
		var partType string
		json.Unmarshal(part["type"], &partType)
		switch partType {
		case "text":
			var text string
			json.Unmarshal(part["text"], &text)
			blocks = append(blocks, typ.TextBlock(text))
		case "image_url":
			var img struct {
				URL string `json:"url"`
			}
			json.Unmarshal(part["image_url"], &img)
			blocks = append(blocks, typ.Block{Type: typ.BlockImage, URL: img.URL})
		case "input_audio":
			var audio struct {
				Data   string `json:"data"`
				Format string `json:"format"`
			}
			json.Unmarshal(part["input_audio"], &audio)
			blocks = append(blocks, typ.Block{Type: typ.BlockInputAudio, Data: audio.Data, MIME: audio.Format})
		case "file":
			var file struct {
				FileData string `json:"file_data"`
				Filename string `json:"filename"`
			}
			json.Unmarshal(part["file"], &file)
			blocks = append(blocks, typ.Block{Type: typ.BlockFile, Data: file.FileData, MIME: file.Filename})
		}
	}
	return blocks
}

func (t *openaiTranslator) BuildRequest(req *typ.Request) (map[string]interface{}, []string, error) {
	var warnings []string
	messages := make([]map[string]interface{}, 0, len(req.Messages)+1)

	if sys := req.SystemText(); sys != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": sys,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			for _, b := range msg.Content {
				if b.Type != typ.BlockToolResult {
					continue
				}
				m := map[string]interface{}{
					"role":         "tool",
					"tool_call_id": b.CallID,
					"content":      b.Content,
				}
				if msg.Name != "" {
					m["name"] = msg.Name
				}
				messages = append(messages, m)
			}
		default:
			m := map[string]interface{}{"role": msg.Role}
			var parts []map[string]interface{}
			var toolCalls []map[string]interface{}
			textOnly := true

			for _, b := range msg.Content {
				switch b.Type {
				case typ.BlockText:
					parts = append(parts, map[string]interface{}{"type": "text", "text": b.Text})
				case typ.BlockImage:
					textOnly = false
					url := b.URL
					if url == "" && b.Data != "" {
						url = "data:" + b.MIME + ";base64," + b.Data
					}
					parts = append(parts, map[string]interface{}{
						"type":      "image_url",
						"image_url": map[string]interface{}{"url": url},
					})
				case typ.BlockInputAudio:
					textOnly = false
					parts = append(parts, map[string]interface{}{
						"type":        "input_audio",
						"input_audio": map[string]interface{}{"data": b.Data, "format": b.MIME},
					})
				case typ.BlockFile:
					textOnly = false
					parts = append(parts, map[string]interface{}{
						"type": "file",
						"file": map[string]interface{}{"file_data": b.Data, "filename": b.MIME},
					})
				case typ.BlockThinking:
					if b.Text != "" {
						m["reasoning_content"] = b.Text
					}
				case typ.BlockToolUse:
					toolCalls = append(toolCalls, map[string]interface{}{
						"id":   b.ToolID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      b.ToolName,
							"arguments": b.ArgumentsJSON,
						},
					})
				}
			}

			if textOnly {
				var text string
				for _, p := range parts {
					text += p["text"].(string)
				}
				if text != "" {
					m["content"] = text
				}
			} else if len(parts) > 0 {
				m["content"] = parts
			}
			if len(toolCalls) > 0 {
				m["tool_calls"] = toolCalls
			}
			if m["content"] != nil || len(toolCalls) > 0 || m["reasoning_content"] != nil {
				messages = append(messages, m)
			}
		}
	}

	wire := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Stream {
		wire["stream"] = true
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		wire["max_tokens"] = req.MaxTokens
	}
	if req.UserID != "" {
		wire["user"] = req.UserID
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, tool := range req.Tools {
			fn := map[string]interface{}{"name": tool.Name}
			if tool.Description != "" {
				fn["description"] = tool.Description
			}
			if len(tool.InputSchema) > 0 {
				fn["parameters"] = json.RawMessage(tool.InputSchema)
			}
			tools = append(tools, map[string]interface{}{"type": "function", "function": fn})
		}
		wire["tools"] = tools
	}
	if tc := buildOpenAIToolChoice(req.ToolChoice); tc != nil {
		wire["tool_choice"] = tc
	}
	mergeExtras(wire, req.Extra)
	return wire, warnings, nil
}

func buildOpenAIToolChoice(tc typ.ToolChoice) interface{} {
	if tc.Name != "" {
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": tc.Name},
		}
	}
	switch tc.Mode {
	case "auto", "none", "required":
		return tc.Mode
	case "any":
		return "required"
	}
	return nil
}

func (t *openaiTranslator) BuildResponse(resp *typ.Response) map[string]interface{} {
	choices := make([]map[string]interface{}, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		message := map[string]interface{}{"role": "assistant"}
		if text := choice.Message.PlainText(); text != "" {
			message["content"] = text
		}
		if choice.Reasoning != "" {
			message["reasoning_content"] = choice.Reasoning
		}
		if len(choice.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, 0, len(choice.ToolCalls))
			for _, call := range choice.ToolCalls {
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   call.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      call.Name,
						"arguments": call.ArgumentsJSON,
					},
				})
			}
			message["tool_calls"] = toolCalls
		}
		choices = append(choices, map[string]interface{}{
			"index":         choice.Index,
			"message":       message,
			"finish_reason": string(choice.FinishReason),
		})
	}

	usage := map[string]interface{}{
		"prompt_tokens":     resp.Usage.InputTokens,
		"completion_tokens": resp.Usage.OutputTokens,
		"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if resp.Usage.CacheReadTokens > 0 {
		usage["prompt_tokens_details"] = map[string]interface{}{
			"cached_tokens": resp.Usage.CacheReadTokens,
		}
	}

	return map[string]interface{}{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": choices,
		"usage":   usage,
	}
}
