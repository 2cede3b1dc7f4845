package adaptor

import (
	"encoding/json"
	"sort"

	"github.com/modelrelay/modelrelay/internal/typ"
)

const (
	eventTypeMessageStart      = "message_start"
	eventTypeContentBlockStart = "content_block_start"
	eventTypeContentBlockDelta = "content_block_delta"
	eventTypeContentBlockStop  = "content_block_stop"
	eventTypeMessageDelta      = "message_delta"
	eventTypeMessageStop       = "message_stop"
)

// anthropicEmitter converts unified deltas into typed Anthropic SSE events.
// It assigns monotonically increasing content block indices: thinking, text
// and each tool call get their own block.
type anthropicEmitter struct {
	id    string
	model string

	started            bool
	finished           bool
	nextBlockIndex     int
	textBlockIndex     int
	thinkingBlockIndex int
	// unified tool-call index -> content block index
	toolBlockIndex map[int]int
	usage          typ.Usage
}

func (t *anthropicTranslator) NewEmitter(id, model string) Emitter {
	return &anthropicEmitter{
		id:                 id,
		model:              model,
		textBlockIndex:     -1,
		thinkingBlockIndex: -1,
		toolBlockIndex:     make(map[int]int),
	}
}

func event(eventType string, payload map[string]interface{}) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Event: eventType, Data: data}
}

func (e *anthropicEmitter) messageStart() Frame {
	return event(eventTypeMessageStart, map[string]interface{}{
		"type": eventTypeMessageStart,
		"message": map[string]interface{}{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         e.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
}

func blockStart(index int, blockType string, fields map[string]interface{}) Frame {
	block := map[string]interface{}{"type": blockType}
	for k, v := range fields {
		block[k] = v
	}
	return event(eventTypeContentBlockStart, map[string]interface{}{
		"type":          eventTypeContentBlockStart,
		"index":         index,
		"content_block": block,
	})
}

func blockDelta(index int, delta map[string]interface{}) Frame {
	return event(eventTypeContentBlockDelta, map[string]interface{}{
		"type":  eventTypeContentBlockDelta,
		"index": index,
		"delta": delta,
	})
}

func blockStop(index int) Frame {
	return event(eventTypeContentBlockStop, map[string]interface{}{
		"type":  eventTypeContentBlockStop,
		"index": index,
	})
}

func (e *anthropicEmitter) Emit(d typ.Delta) []Frame {
	if e.finished {
		return nil
	}
	var frames []Frame
	if !e.started {
		e.started = true
		frames = append(frames, e.messageStart())
	}

	if d.Usage != nil {
		e.usage = *d.Usage
	}

	if d.Reasoning != "" {
		if e.thinkingBlockIndex == -1 {
			e.thinkingBlockIndex = e.nextBlockIndex
			e.nextBlockIndex++
			frames = append(frames, blockStart(e.thinkingBlockIndex, "thinking", map[string]interface{}{"thinking": ""}))
		}
		frames = append(frames, blockDelta(e.thinkingBlockIndex, map[string]interface{}{
			"type":     "thinking_delta",
			"thinking": d.Reasoning,
		}))
	}

	if d.Content != "" {
		if e.textBlockIndex == -1 {
			e.textBlockIndex = e.nextBlockIndex
			e.nextBlockIndex++
			frames = append(frames, blockStart(e.textBlockIndex, "text", map[string]interface{}{"text": ""}))
		}
		frames = append(frames, blockDelta(e.textBlockIndex, map[string]interface{}{
			"type": "text_delta",
			"text": d.Content,
		}))
	}

	for _, tc := range d.ToolCalls {
		index, exists := e.toolBlockIndex[tc.Index]
		if !exists {
			index = e.nextBlockIndex
			e.nextBlockIndex++
			e.toolBlockIndex[tc.Index] = index
			frames = append(frames, blockStart(index, "tool_use", map[string]interface{}{
				"id":   tc.ID,
				"name": tc.Name,
			}))
		}
		if tc.Arguments != "" {
			frames = append(frames, blockDelta(index, map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": tc.Arguments,
			}))
		}
	}

	if d.Warning != "" {
		frames = append(frames, event("warning", map[string]interface{}{
			"type":    "warning",
			"message": d.Warning,
		}))
	}

	if d.FinishReason != "" {
		frames = append(frames, e.finishFrames(d.FinishReason)...)
	}
	return frames
}

func (e *anthropicEmitter) finishFrames(reason typ.FinishReason) []Frame {
	e.finished = true
	var frames []Frame

	// Stop every open block in index order.
	var open []int
	if e.thinkingBlockIndex != -1 {
		open = append(open, e.thinkingBlockIndex)
	}
	if e.textBlockIndex != -1 {
		open = append(open, e.textBlockIndex)
	}
	for _, idx := range e.toolBlockIndex {
		open = append(open, idx)
	}
	sort.Ints(open)
	for _, idx := range open {
		frames = append(frames, blockStop(idx))
	}

	frames = append(frames, event(eventTypeMessageDelta, map[string]interface{}{
		"type": eventTypeMessageDelta,
		"delta": map[string]interface{}{
			"stop_reason":   mapFinishReasonToAnthropic(reason),
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"input_tokens":  e.usage.InputTokens,
			"output_tokens": e.usage.OutputTokens,
		},
	}))
	frames = append(frames, event(eventTypeMessageStop, map[string]interface{}{
		"type": eventTypeMessageStop,
	}))
	return frames
}

func (e *anthropicEmitter) Finish() []Frame {
	if e.finished {
		return nil
	}
	var frames []Frame
	if !e.started {
		e.started = true
		frames = append(frames, e.messageStart())
	}
	return append(frames, e.finishFrames(typ.FinishStop)...)
}
