package adaptor

import (
	"encoding/json"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// anthropicTranslator implements the Anthropic-style dialect: block-based
// messages, top-level system, tool_use/tool_result as block kinds,
// cache_control markers on individual blocks.
type anthropicTranslator struct{}

func (t *anthropicTranslator) Dialect() typ.Dialect { return typ.DialectAnthropic }

var anthropicRequestKeys = map[string]bool{
	"model": true, "messages": true, "system": true, "tools": true,
	"tool_choice": true, "stream": true, "temperature": true,
	"max_tokens": true, "metadata": true,
}

type anthropicRequest struct {
	Model    string `json:"model"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	} `json:"tools,omitempty"`
	ToolChoice *struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	} `json:"tool_choice,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int64    `json:"max_tokens,omitempty"`
	Metadata    *struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

func (t *anthropicTranslator) ParseRequest(body []byte) (*typ.Request, error) {
	var wire anthropicRequest
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
		Extra:       extractExtras(body, anthropicRequestKeys),
	}
	if wire.Metadata != nil {
		req.UserID = wire.Metadata.UserID
	}
	req.System = anthropicSystemToBlocks(wire.System)

	for _, m := range wire.Messages {
		blocks, err := anthropicContentToBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		// tool_result blocks split into unified tool-role messages; the
		// remaining blocks keep the original role.
		var rest []typ.Block
		for _, b := range blocks {
			if b.Type == typ.BlockToolResult {
				req.Messages = append(req.Messages, typ.Message{
					Role:       "tool",
					ToolCallID: b.CallID,
					Content:    []typ.Block{b},
				})
				continue
			}
			rest = append(rest, b)
		}
		if len(rest) > 0 {
			req.Messages = append(req.Messages, typ.Message{Role: m.Role, Content: rest})
		}
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, typ.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			req.ToolChoice = typ.ToolChoice{Mode: "auto"}
		case "any":
			req.ToolChoice = typ.ToolChoice{Mode: "required"}
		case "none":
			req.ToolChoice = typ.ToolChoice{Mode: "none"}
		case "tool":
			req.ToolChoice = typ.ToolChoice{Name: tc.Name}
		}
	}
	return req, nil
}

// anthropicSystemToBlocks accepts both the string and block-array system
// forms.
func anthropicSystemToBlocks(raw json.RawMessage) []typ.Block {
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
	var parts []struct {
		Type         string        `json:"type"`
		Text         string        `json:"text"`
		CacheControl *cacheControl `json:"cache_control,omitempty"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []typ.Block
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		b := typ.TextBlock(p.Text)
		b.CacheControl = p.CacheControl.toUnified()
		blocks = append(blocks, b)
	}
	return blocks
}

type cacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

func (cc *cacheControl) toUnified() *typ.CacheControl {
	if cc == nil {
		return nil
	}
	ttl := cc.TTL
	if ttl == "" {
		ttl = "5m"
	}
	return &typ.CacheControl{TTL: ttl}
}

func cacheControlFromUnified(cc *typ.CacheControl) map[string]interface{} {
	if cc == nil {
		return nil
	}
	out := map[string]interface{}{"type": "ephemeral"}
	if cc.TTL == "1h" {
		out["ttl"] = "1h"
	}
	return out
}

// anthropicContentToBlocks converts string-or-blocks content to unified
// blocks.
func anthropicContentToBlocks(raw json.RawMessage) ([]typ.Block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []typ.Block{typ.TextBlock(s)}, nil
	}

	var wireBlocks []struct {
		Type         string          `json:"type"`
		Text         string          `json:"text,omitempty"`
		Thinking     string          `json:"thinking,omitempty"`
		Signature    string          `json:"signature,omitempty"`
		ID           string          `json:"id,omitempty"`
		Name         string          `json:"name,omitempty"`
		Input        json.RawMessage `json:"input,omitempty"`
		ToolUseID    string          `json:"tool_use_id,omitempty"`
		Content      json.RawMessage `json:"content,omitempty"`
		IsError      bool            `json:"is_error,omitempty"`
		Source       *struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type,omitempty"`
			Data      string `json:"data,omitempty"`
			URL       string `json:"url,omitempty"`
		} `json:"source,omitempty"`
		CacheControl *cacheControl `json:"cache_control,omitempty"`
	}
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, fmt.Errorf("invalid content blocks: %w", err)
	}

	var blocks []typ.Block
	for _, wb := range wireBlocks {
		var b typ.Block
		switch wb.Type {
		case "text":
			b = typ.TextBlock(wb.Text)
		case "thinking":
			b = typ.Block{Type: typ.BlockThinking, Text: wb.Thinking, Signature: wb.Signature}
		case "tool_use":
			b = typ.Block{
				Type:          typ.BlockToolUse,
				ToolID:        wb.ID,
				ToolName:      wb.Name,
				ArgumentsJSON: string(compactJSON(wb.Input)),
			}
		case "tool_result":
			text := ""
			if len(wb.Content) > 0 {
				var s string
				if err := json.Unmarshal(wb.Content, &s); err == nil {
					text = s
				} else if nested, err := anthropicContentToBlocks(wb.Content); err == nil {
					for _, nb := range nested {
						if nb.Type == typ.BlockText {
							text += nb.Text
						}
					}
				}
			}
			b = typ.Block{Type: typ.BlockToolResult, CallID: wb.ToolUseID, Content: text, IsError: wb.IsError}
		case "image":
			b = typ.Block{Type: typ.BlockImage}
			if wb.Source != nil {
				b.URL = wb.Source.URL
				b.Data = wb.Source.Data
				b.MIME = wb.Source.MediaType
			}
		case "document":
			b = typ.Block{Type: typ.BlockFile}
			if wb.Source != nil {
				b.Data = wb.Source.Data
				b.MIME = wb.Source.MediaType
			}
		default:
			continue
		}
		b.CacheControl = wb.CacheControl.toUnified()
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (t *anthropicTranslator) BuildRequest(req *typ.Request) (map[string]interface{}, []string, error) {
	var warnings []string

	var system []map[string]interface{}
	for _, b := range req.System {
		entry := map[string]interface{}{"type": "text", "text": b.Text}
		if cc := cacheControlFromUnified(b.CacheControl); cc != nil {
			entry["cache_control"] = cc
		}
		system = append(system, entry)
	}

	var messages []map[string]interface{}
	appendMessage := func(role string, blocks []interface{}) {
		if len(blocks) == 0 {
			return
		}
		// Adjacent same-role messages merge, which is where split-out
		// tool results fold back into a single user turn.
		if n := len(messages); n > 0 && messages[n-1]["role"] == role {
			messages[n-1]["content"] = append(messages[n-1]["content"].([]interface{}), blocks...)
			return
		}
		messages = append(messages, map[string]interface{}{"role": role, "content": blocks})
	}

	for _, msg := range req.Messages {
		role := msg.Role
		if role == "tool" {
			role = "user"
		}
		var blocks []interface{}
		for _, b := range msg.Content {
			wb := anthropicBlockFromUnified(b, &warnings)
			if wb == nil {
				continue
			}
			if cc := cacheControlFromUnified(b.CacheControl); cc != nil {
				wb["cache_control"] = cc
			}
			blocks = append(blocks, wb)
		}
		appendMessage(role, blocks)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	wire := map[string]interface{}{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if len(system) > 0 {
		wire["system"] = system
	}
	if req.Stream {
		wire["stream"] = true
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.UserID != "" {
		wire["metadata"] = map[string]interface{}{"user_id": req.UserID}
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, tool := range req.Tools {
			entry := map[string]interface{}{"name": tool.Name}
			if tool.Description != "" {
				entry["description"] = tool.Description
			}
			if len(tool.InputSchema) > 0 {
				entry["input_schema"] = json.RawMessage(tool.InputSchema)
			}
			tools = append(tools, entry)
		}
		wire["tools"] = tools
	}
	if tc := buildAnthropicToolChoice(req.ToolChoice); tc != nil {
		wire["tool_choice"] = tc
	}
	mergeExtras(wire, req.Extra)
	return wire, warnings, nil
}

func anthropicBlockFromUnified(b typ.Block, warnings *[]string) map[string]interface{} {
	switch b.Type {
	case typ.BlockText:
		return map[string]interface{}{"type": "text", "text": b.Text}
	case typ.BlockThinking:
		wb := map[string]interface{}{"type": "thinking", "thinking": b.Text}
		if b.Signature != "" {
			wb["signature"] = b.Signature
		}
		return wb
	case typ.BlockToolUse:
		input := json.RawMessage(b.ArgumentsJSON)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return map[string]interface{}{
			"type":  "tool_use",
			"id":    b.ToolID,
			"name":  b.ToolName,
			"input": input,
		}
	case typ.BlockToolResult:
		wb := map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": b.CallID,
			"content":     b.Content,
		}
		if b.IsError {
			wb["is_error"] = true
		}
		return wb
	case typ.BlockImage:
		source := map[string]interface{}{}
		if b.URL != "" {
			source["type"] = "url"
			source["url"] = b.URL
		} else {
			source["type"] = "base64"
			source["media_type"] = b.MIME
			source["data"] = b.Data
		}
		return map[string]interface{}{"type": "image", "source": source}
	case typ.BlockFile:
		return map[string]interface{}{
			"type": "document",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": b.MIME,
				"data":       b.Data,
			},
		}
	case typ.BlockInputAudio:
		*warnings = append(*warnings, "audio input is not supported by this model and was dropped")
		return nil
	default:
		return nil
	}
}

func buildAnthropicToolChoice(tc typ.ToolChoice) map[string]interface{} {
	if tc.Name != "" {
		return map[string]interface{}{"type": "tool", "name": tc.Name}
	}
	switch tc.Mode {
	case "auto":
		return map[string]interface{}{"type": "auto"}
	case "required", "any":
		return map[string]interface{}{"type": "any"}
	case "none":
		return map[string]interface{}{"type": "none"}
	}
	return nil
}

func (t *anthropicTranslator) BuildResponse(resp *typ.Response) map[string]interface{} {
	var content []map[string]interface{}
	stopReason := "end_turn"

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Reasoning != "" {
			content = append(content, map[string]interface{}{
				"type":     "thinking",
				"thinking": choice.Reasoning,
			})
		}
		if text := choice.Message.PlainText(); text != "" {
			content = append(content, map[string]interface{}{"type": "text", "text": text})
		}
		for _, call := range choice.ToolCalls {
			input := json.RawMessage(call.ArgumentsJSON)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			content = append(content, map[string]interface{}{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Name,
				"input": input,
			})
		}
		stopReason = mapFinishReasonToAnthropic(choice.FinishReason)
	}
	if content == nil {
		content = []map[string]interface{}{}
	}

	usage := map[string]interface{}{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}
	if resp.Usage.CacheReadTokens > 0 || resp.Usage.CacheCreationTokens > 0 {
		usage["cache_read_input_tokens"] = resp.Usage.CacheReadTokens
		usage["cache_creation_input_tokens"] = resp.Usage.CacheCreationTokens
	}

	return map[string]interface{}{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usage,
	}
}

func mapFinishReasonToAnthropic(r typ.FinishReason) string {
	switch r {
	case typ.FinishToolCalls:
		return "tool_use"
	case typ.FinishLength:
		return "max_tokens"
	default:
		return "end_turn"
	}
}
