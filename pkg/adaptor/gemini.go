package adaptor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// geminiTranslator implements the Gemini-style dialect: a contents list of
// role/parts records, top-level system_instruction, functionCall and
// functionResponse parts. Wire shapes reuse the genai SDK types.
type geminiTranslator struct{}

func (t *geminiTranslator) Dialect() typ.Dialect { return typ.DialectGemini }

type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// ParseRequest converts a Gemini-style body. The model is carried in the URL
// path, not the body, so callers set req.Model afterwards.
func (t *geminiTranslator) ParseRequest(body []byte) (*typ.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	req := &typ.Request{}
	if wire.SystemInstruction != nil {
		for _, p := range wire.SystemInstruction.Parts {
			if p != nil && p.Text != "" {
				req.System = append(req.System, typ.TextBlock(p.Text))
			}
		}
	}
	if cfg := wire.GenerationConfig; cfg != nil {
		if cfg.Temperature != nil {
			temp := float64(*cfg.Temperature)
			req.Temperature = &temp
		}
		req.MaxTokens = int64(cfg.MaxOutputTokens)
	}

	for _, content := range wire.Contents {
		if content == nil {
			continue
		}
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		var blocks []typ.Block
		for _, p := range content.Parts {
			if p == nil {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				blocks = append(blocks, typ.Block{
					Type:          typ.BlockToolUse,
					ToolID:        p.FunctionCall.ID,
					ToolName:      p.FunctionCall.Name,
					ArgumentsJSON: string(args),
				})
			case p.FunctionResponse != nil:
				req.Messages = append(req.Messages, typ.Message{
					Role:       "tool",
					Name:       p.FunctionResponse.Name,
					ToolCallID: p.FunctionResponse.ID,
					Content: []typ.Block{{
						Type:    typ.BlockToolResult,
						CallID:  p.FunctionResponse.ID,
						Content: functionResponseText(p.FunctionResponse.Response),
					}},
				})
			case p.InlineData != nil:
				blocks = append(blocks, typ.Block{
					Type: mimeToBlockType(p.InlineData.MIMEType),
					Data: base64.StdEncoding.EncodeToString(p.InlineData.Data),
					MIME: p.InlineData.MIMEType,
				})
			case p.FileData != nil:
				blocks = append(blocks, typ.Block{
					Type: mimeToBlockType(p.FileData.MIMEType),
					URL:  p.FileData.FileURI,
					MIME: p.FileData.MIMEType,
				})
			case p.Thought:
				blocks = append(blocks, typ.Block{Type: typ.BlockThinking, Text: p.Text})
			case p.Text != "":
				blocks = append(blocks, typ.TextBlock(p.Text))
			}
		}
		if len(blocks) > 0 {
			req.Messages = append(req.Messages, typ.Message{Role: role, Content: blocks})
		}
	}

	for _, tool := range wire.Tools {
		if tool == nil {
			continue
		}
		for _, decl := range tool.FunctionDeclarations {
			if decl == nil {
				continue
			}
			def := typ.ToolDef{Name: decl.Name, Description: decl.Description}
			if decl.Parameters != nil {
				if schema, err := json.Marshal(decl.Parameters); err == nil {
					def.InputSchema = schema
				}
			}
			req.Tools = append(req.Tools, def)
		}
	}
	if wire.ToolConfig != nil && wire.ToolConfig.FunctionCallingConfig != nil {
		fcc := wire.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case genai.FunctionCallingConfigModeAuto:
			req.ToolChoice = typ.ToolChoice{Mode: "auto"}
		case genai.FunctionCallingConfigModeNone:
			req.ToolChoice = typ.ToolChoice{Mode: "none"}
		case genai.FunctionCallingConfigModeAny:
			if len(fcc.AllowedFunctionNames) == 1 {
				req.ToolChoice = typ.ToolChoice{Name: fcc.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = typ.ToolChoice{Mode: "required"}
			}
		}
	}
	return req, nil
}

// functionResponseText extracts the conventional output/result string from a
// functionResponse payload, falling back to the marshalled object.
func functionResponseText(response map[string]any) string {
	for _, key := range []string{"output", "result", "content"} {
		if s, ok := response[key].(string); ok {
			return s
		}
	}
	out, _ := json.Marshal(response)
	return string(out)
}

func mimeToBlockType(mime string) typ.BlockType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return typ.BlockImage
	case strings.HasPrefix(mime, "audio/"):
		return typ.BlockInputAudio
	default:
		return typ.BlockFile
	}
}

func (t *geminiTranslator) BuildRequest(req *typ.Request) (map[string]interface{}, []string, error) {
	var warnings []string
	var contents []*genai.Content

	appendContent := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			// Tool results inline into the adjacent user turn as
			// functionResponse parts.
			for _, b := range msg.Content {
				if b.Type != typ.BlockToolResult {
					continue
				}
				appendContent("user", []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       b.CallID,
						Name:     msg.Name,
						Response: map[string]any{"output": b.Content},
					},
				}})
			}
		default:
			role := "user"
			if msg.Role == "assistant" {
				role = "model"
			}
			var parts []*genai.Part
			for _, b := range msg.Content {
				if p := geminiPartFromUnified(b, &warnings); p != nil {
					parts = append(parts, p)
				}
			}
			appendContent(role, parts)
		}
	}

	wire := map[string]interface{}{"contents": contents}
	if sys := req.SystemText(); sys != "" {
		wire["systemInstruction"] = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}

	config := map[string]interface{}{}
	if req.Temperature != nil {
		config["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		config["maxOutputTokens"] = req.MaxTokens
	}
	if len(config) > 0 {
		wire["generationConfig"] = config
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			if len(tool.InputSchema) > 0 {
				var schema genai.Schema
				if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
					normalizeSchemaTypes(&schema)
					decl.Parameters = &schema
				}
			}
			decls = append(decls, decl)
		}
		wire["tools"] = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if tc := buildGeminiToolConfig(req.ToolChoice); tc != nil {
		wire["toolConfig"] = tc
	}
	mergeExtras(wire, req.Extra)
	return wire, warnings, nil
}

func geminiPartFromUnified(b typ.Block, warnings *[]string) *genai.Part {
	switch b.Type {
	case typ.BlockText:
		if b.Text == "" {
			return nil
		}
		return &genai.Part{Text: b.Text}
	case typ.BlockThinking:
		return &genai.Part{Text: b.Text, Thought: true}
	case typ.BlockToolUse:
		var args map[string]any
		if b.ArgumentsJSON != "" {
			json.Unmarshal([]byte(b.ArgumentsJSON), &args)
		}
		return &genai.Part{FunctionCall: &genai.FunctionCall{ID: b.ToolID, Name: b.ToolName, Args: args}}
	case typ.BlockImage, typ.BlockInputAudio, typ.BlockFile:
		if b.URL != "" {
			return &genai.Part{FileData: &genai.FileData{FileURI: b.URL, MIMEType: b.MIME}}
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			*warnings = append(*warnings, "binary part with invalid base64 data was dropped")
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: b.MIME, Data: data}}
	default:
		return nil
	}
}

func buildGeminiToolConfig(tc typ.ToolChoice) *genai.ToolConfig {
	fcc := &genai.FunctionCallingConfig{}
	switch {
	case tc.Name != "":
		fcc.Mode = genai.FunctionCallingConfigModeAny
		fcc.AllowedFunctionNames = []string{tc.Name}
	case tc.Mode == "auto":
		fcc.Mode = genai.FunctionCallingConfigModeAuto
	case tc.Mode == "none":
		fcc.Mode = genai.FunctionCallingConfigModeNone
	case tc.Mode == "required" || tc.Mode == "any":
		fcc.Mode = genai.FunctionCallingConfigModeAny
	default:
		return nil
	}
	return &genai.ToolConfig{FunctionCallingConfig: fcc}
}

// normalizeSchemaTypes converts lowercase JSON Schema types into the
// uppercase enum the Gemini wire format expects, recursively.
func normalizeSchemaTypes(schema *genai.Schema) {
	if schema == nil {
		return
	}
	if schema.Type != "" {
		switch strings.ToUpper(string(schema.Type)) {
		case "OBJECT":
			schema.Type = genai.TypeObject
		case "STRING":
			schema.Type = genai.TypeString
		case "NUMBER":
			schema.Type = genai.TypeNumber
		case "INTEGER":
			schema.Type = genai.TypeInteger
		case "BOOLEAN":
			schema.Type = genai.TypeBoolean
		case "ARRAY":
			schema.Type = genai.TypeArray
		case "NULL":
			schema.Type = genai.TypeNULL
		}
	}
	for _, prop := range schema.Properties {
		normalizeSchemaTypes(prop)
	}
	normalizeSchemaTypes(schema.Items)
	for _, anyOf := range schema.AnyOf {
		normalizeSchemaTypes(anyOf)
	}
}

func (t *geminiTranslator) BuildResponse(resp *typ.Response) map[string]interface{} {
	var parts []*genai.Part
	finishReason := "STOP"

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Reasoning != "" {
			parts = append(parts, &genai.Part{Text: choice.Reasoning, Thought: true})
		}
		if text := choice.Message.PlainText(); text != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		for _, call := range choice.ToolCalls {
			var args map[string]any
			if call.ArgumentsJSON != "" {
				json.Unmarshal([]byte(call.ArgumentsJSON), &args)
			}
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
			})
		}
		finishReason = mapFinishReasonToGemini(choice.FinishReason)
	}

	return map[string]interface{}{
		"responseId":   resp.ID,
		"modelVersion": resp.Model,
		"candidates": []map[string]interface{}{
			{
				"index":        0,
				"content":      &genai.Content{Role: "model", Parts: parts},
				"finishReason": finishReason,
			},
		},
		"usageMetadata": map[string]interface{}{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapFinishReasonToGemini(r typ.FinishReason) string {
	switch r {
	case typ.FinishLength:
		return "MAX_TOKENS"
	case typ.FinishError:
		return "OTHER"
	default:
		return "STOP"
	}
}
