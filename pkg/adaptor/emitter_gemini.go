package adaptor

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// geminiEmitter converts unified deltas into candidate-shaped JSON chunks.
// Text streams incrementally; tool-call arguments are buffered until the
// terminal delta because the wire form carries structured args, not fragments.
type geminiEmitter struct {
	id       string
	model    string
	finished bool

	toolOrder []int
	toolCalls map[int]*typ.ToolCallDelta
	usage     typ.Usage
}

func (t *geminiTranslator) NewEmitter(id, model string) Emitter {
	return &geminiEmitter{
		id:        id,
		model:     model,
		toolCalls: make(map[int]*typ.ToolCallDelta),
	}
}

func (e *geminiEmitter) chunk(parts []map[string]interface{}, finish string, withUsage bool) Frame {
	candidate := map[string]interface{}{
		"content": map[string]interface{}{
			"parts": parts,
			"role":  "model",
		},
		"index": 0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	payload := map[string]interface{}{
		"candidates":   []interface{}{candidate},
		"modelVersion": e.model,
		"responseId":   e.id,
	}
	if withUsage {
		payload["usageMetadata"] = map[string]interface{}{
			"promptTokenCount":     e.usage.InputTokens,
			"candidatesTokenCount": e.usage.OutputTokens,
			"totalTokenCount":      e.usage.InputTokens + e.usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(payload)
	return Frame{Data: data}
}

func (e *geminiEmitter) Emit(d typ.Delta) []Frame {
	if e.finished {
		return nil
	}
	var frames []Frame

	if d.Usage != nil {
		e.usage = *d.Usage
	}

	for i := range d.ToolCalls {
		tc := d.ToolCalls[i]
		acc, exists := e.toolCalls[tc.Index]
		if !exists {
			acc = &typ.ToolCallDelta{Index: tc.Index}
			e.toolCalls[tc.Index] = acc
			e.toolOrder = append(e.toolOrder, tc.Index)
		}
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		if tc.Name != "" {
			acc.Name = tc.Name
		}
		acc.Arguments += tc.Arguments
	}

	var parts []map[string]interface{}
	if d.Reasoning != "" {
		parts = append(parts, map[string]interface{}{"text": d.Reasoning, "thought": true})
	}
	if d.Content != "" {
		parts = append(parts, map[string]interface{}{"text": d.Content})
	}

	if d.FinishReason != "" {
		parts = append(parts, e.flushToolParts()...)
		e.finished = true
		frames = append(frames, e.chunk(parts, mapFinishReasonToGemini(d.FinishReason), true))
		frames = append(frames, Frame{Done: true})
		return frames
	}

	if len(parts) == 0 {
		return nil
	}
	return append(frames, e.chunk(parts, "", false))
}

func (e *geminiEmitter) flushToolParts() []map[string]interface{} {
	var parts []map[string]interface{}
	for _, idx := range e.toolOrder {
		tc := e.toolCalls[idx]
		args := map[string]interface{}{}
		trimmed := strings.TrimSpace(tc.Arguments)
		if trimmed != "" {
			if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
				args = map[string]interface{}{"_raw": tc.Arguments}
			}
		}
		parts = append(parts, map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": tc.Name,
				"args": args,
			},
		})
	}
	return parts
}

func (e *geminiEmitter) Finish() []Frame {
	if e.finished {
		return nil
	}
	e.finished = true
	parts := e.flushToolParts()
	return []Frame{
		e.chunk(parts, mapFinishReasonToGemini(typ.FinishStop), true),
		{Done: true},
	}
}
