package adaptor

import (
	"encoding/json"
	"time"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// openaiEmitter converts unified deltas into OpenAI-style
// chat.completion.chunk frames terminated by [DONE].
type openaiEmitter struct {
	id       string
	model    string
	created  int64
	roleSent bool
	finished bool
}

func (t *openaiTranslator) NewEmitter(id, model string) Emitter {
	return &openaiEmitter{id: id, model: model, created: time.Now().Unix()}
}

func (e *openaiEmitter) chunk(delta map[string]interface{}, finish string, usage *typ.Usage) Frame {
	choice := map[string]interface{}{
		"index": 0,
		"delta": delta,
	}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	payload := map[string]interface{}{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []interface{}{choice},
	}
	if usage != nil {
		payload["usage"] = map[string]interface{}{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(payload)
	return Frame{Data: data}
}

func (e *openaiEmitter) Emit(d typ.Delta) []Frame {
	if e.finished {
		return nil
	}
	var frames []Frame

	delta := map[string]interface{}{}
	if !e.roleSent {
		delta["role"] = "assistant"
		e.roleSent = true
	}
	if d.Content != "" {
		delta["content"] = d.Content
	}
	if d.Reasoning != "" {
		delta["reasoning_content"] = d.Reasoning
	}
	if len(d.ToolCalls) > 0 {
		toolCalls := make([]map[string]interface{}, 0, len(d.ToolCalls))
		for _, tc := range d.ToolCalls {
			entry := map[string]interface{}{"index": tc.Index}
			fn := map[string]interface{}{}
			if tc.ID != "" {
				entry["id"] = tc.ID
				entry["type"] = "function"
			}
			if tc.Name != "" {
				fn["name"] = tc.Name
			}
			if tc.Arguments != "" {
				fn["arguments"] = tc.Arguments
			}
			entry["function"] = fn
			toolCalls = append(toolCalls, entry)
		}
		delta["tool_calls"] = toolCalls
	}
	if d.Warning != "" {
		delta["warning"] = d.Warning
	}

	if d.FinishReason != "" {
		e.finished = true
		frames = append(frames, e.chunk(delta, string(d.FinishReason), d.Usage))
		frames = append(frames, Frame{Done: true})
		return frames
	}

	if len(delta) == 0 {
		return nil
	}
	return append(frames, e.chunk(delta, "", nil))
}

func (e *openaiEmitter) Finish() []Frame {
	if e.finished {
		return nil
	}
	e.finished = true
	return []Frame{
		e.chunk(map[string]interface{}{}, string(typ.FinishStop), nil),
		{Done: true},
	}
}
