// Package adaptor converts between the public wire dialects (OpenAI-style,
// Anthropic-style, Gemini-style) and the gateway's unified request form, in
// both directions, for terminal and streaming responses.
package adaptor

import (
	"fmt"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// Frame is one wire frame of a translated stream. For SSE dialects Event is
// the optional event name and Data the minified JSON payload; Done marks the
// OpenAI-style "[DONE]" terminator.
type Frame struct {
	Event string
	Data  []byte
	Done  bool
}

// Emitter turns unified deltas into dialect wire frames. One emitter serves
// exactly one stream and carries its state; it is not safe for concurrent
// use.
type Emitter interface {
	// Emit translates one unified delta into zero or more wire frames.
	Emit(d typ.Delta) []Frame
	// Finish flushes any trailing frames after the terminal delta.
	Finish() []Frame
}

// Translator is the per-dialect capability set.
type Translator interface {
	Dialect() typ.Dialect

	// ParseRequest converts a client request body into unified form.
	ParseRequest(body []byte) (*typ.Request, error)
	// BuildRequest converts a unified request into the dialect wire form.
	// The returned warnings describe content the dialect cannot represent
	// and which was therefore dropped.
	BuildRequest(req *typ.Request) (map[string]interface{}, []string, error)
	// BuildResponse converts a unified terminal response to wire form.
	BuildResponse(resp *typ.Response) map[string]interface{}
	// NewEmitter creates the streaming converter for one response.
	NewEmitter(id, model string) Emitter
}

// ForDialect returns the translator for d.
func ForDialect(d typ.Dialect) (Translator, error) {
	switch d {
	case typ.DialectOpenAI:
		return &openaiTranslator{}, nil
	case typ.DialectAnthropic:
		return &anthropicTranslator{}, nil
	case typ.DialectGemini:
		return &geminiTranslator{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect: %q", d)
	}
}
