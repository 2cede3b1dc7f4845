package token

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/modelrelay/modelrelay/internal/typ"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

func codec() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.O200kBase)
	})
	if encErr != nil {
		return nil, fmt.Errorf("failed to get tokenizer: %w", encErr)
	}
	return enc, nil
}

// CountText counts tokens in text, falling back to a ceil(len/4) estimate
// when the tokenizer is unavailable or errors.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	c, err := codec()
	if err != nil {
		return estimate(text)
	}
	n, err := c.Count(text)
	if err != nil {
		return estimate(text)
	}
	return n
}

func estimate(text string) int {
	return (len(text) + 3) / 4
}

// CountRequest estimates the input tokens of a unified request: roles,
// system text, message blocks and tool schemas.
func CountRequest(req *typ.Request) int {
	total := 0
	for _, b := range req.System {
		total += CountText(b.Text)
	}
	for _, msg := range req.Messages {
		total += CountText(msg.Role)
		for _, b := range msg.Content {
			total += countBlock(b)
		}
	}
	for _, tool := range req.Tools {
		total += CountText(tool.Name)
		total += CountText(tool.Description)
		total += CountText(string(tool.InputSchema))
	}
	return total
}

func countBlock(b typ.Block) int {
	switch b.Type {
	case typ.BlockText, typ.BlockThinking:
		return CountText(b.Text)
	case typ.BlockToolUse:
		return CountText(b.ToolName) + CountText(b.ArgumentsJSON)
	case typ.BlockToolResult:
		return CountText(b.Content)
	case typ.BlockImage, typ.BlockFile, typ.BlockInputAudio:
		// Flat charge for binary parts; providers bill these separately.
		return 85
	default:
		return CountText(b.Text)
	}
}
