package webchat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/typ"
)

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// internalTagPattern matches backend-private markup that must never reach the
// translator.
var internalTagPattern = regexp.MustCompile(`</?(?:xai:tool_usage_card|rolloutId|responseId|isThinking)\b[^>]*>`)

func stripInternalTags(s string) string {
	return internalTagPattern.ReplaceAllString(s, "")
}

// tagScanner splits a token stream into visible text and captured tool-call
// payloads. Tags may arrive split across any number of fragments, so the
// scanner holds back any trailing bytes that could still grow into a tag.
type tagScanner struct {
	inTool    bool
	pending   string
	tool      strings.Builder
	completed []string
}

// feed consumes one fragment and returns the text safe to surface now.
func (s *tagScanner) feed(fragment string) string {
	s.pending += fragment
	var out strings.Builder
	for {
		if s.inTool {
			i := strings.Index(s.pending, closeTag)
			if i < 0 {
				keep := partialTagSuffix(s.pending)
				s.tool.WriteString(s.pending[:len(s.pending)-keep])
				s.pending = s.pending[len(s.pending)-keep:]
				return out.String()
			}
			s.tool.WriteString(s.pending[:i])
			s.completed = append(s.completed, s.tool.String())
			s.tool.Reset()
			s.pending = s.pending[i+len(closeTag):]
			s.inTool = false
			continue
		}
		i := strings.Index(s.pending, openTag)
		if i < 0 {
			keep := partialTagSuffix(s.pending)
			out.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			return out.String()
		}
		out.WriteString(s.pending[:i])
		s.pending = s.pending[i+len(openTag):]
		s.inTool = true
	}
}

// flush returns whatever held-back text remains once the stream is over. Text
// inside an unterminated tool block stays captured, not surfaced.
func (s *tagScanner) flush() string {
	rest := s.pending
	s.pending = ""
	if s.inTool {
		s.tool.WriteString(rest)
		return ""
	}
	return rest
}

// partialTagSuffix reports how many trailing bytes of s could still be the
// beginning of an open or close tag.
func partialTagSuffix(s string) int {
	max := len(closeTag) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		tail := s[len(s)-n:]
		if strings.HasPrefix(openTag, tail) || strings.HasPrefix(closeTag, tail) {
			return n
		}
	}
	return 0
}

// chatEvent is one newline-delimited frame from the web backend. Every field
// is optional; most frames carry only a token.
type chatEvent struct {
	Result struct {
		Response struct {
			Token      string `json:"token"`
			IsThinking bool   `json:"isThinking"`
			IsDone     bool   `json:"isDone"`
			ResponseID string `json:"responseId"`

			StreamingImage *struct {
				ImageURL string `json:"imageUrl"`
				Progress int    `json:"progress"`
			} `json:"streamingImageGenerationResponse"`

			StreamingVideo *struct {
				VideoURL string `json:"videoUrl"`
				Progress int    `json:"progress"`
				Complete bool   `json:"complete"`
			} `json:"streamingVideoGenerationResponse"`

			ModelResponse *struct {
				Message            string   `json:"message"`
				GeneratedImageURLs []string `json:"generatedImageUrls"`
			} `json:"modelResponse"`

			Card *struct {
				Title string `json:"title"`
				Text  string `json:"text"`
				URL   string `json:"url"`
			} `json:"cardAttachment"`
		} `json:"response"`
	} `json:"result"`
}

// stream reconstructs a clean delta sequence from the backend's noisy frames.
// All reconstruction state lives on the stream value itself and dies with it;
// nothing is shared across requests.
type stream struct {
	body      io.ReadCloser
	lines     *bufio.Scanner
	assetBase string

	responseID  string
	scan        tagScanner
	roleSent    bool
	imageActive bool
	videoActive bool
	finished    bool
	closed      bool
	queue       []typ.Delta
}

func newStream(body io.ReadCloser, assetBase string) *stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &stream{body: body, lines: sc, assetBase: assetBase}
}

func (s *stream) Recv() (typ.Delta, error) {
	for {
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue = s.queue[1:]
			return d, nil
		}
		if s.finished {
			return typ.Delta{}, io.EOF
		}
		if !s.lines.Scan() {
			if err := s.lines.Err(); err != nil {
				return typ.Delta{}, typ.ClassifyTransport(err)
			}
			// Backend hung up without a done marker; settle what we have.
			s.finalize()
			continue
		}
		line := strings.TrimSpace(s.lines.Text())
		if line == "" {
			continue
		}
		var ev chatEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		s.handle(&ev)
	}
}

func (s *stream) handle(ev *chatEvent) {
	r := &ev.Result.Response
	if r.ResponseID != "" {
		s.responseID = r.ResponseID
	}
	if !s.roleSent {
		s.roleSent = true
		s.queue = append(s.queue, typ.Delta{Role: "assistant"})
	}

	if r.StreamingImage != nil {
		s.imageActive = true
		s.queue = append(s.queue, typ.Delta{
			Reasoning: fmt.Sprintf("generating image (%d%%)\n", r.StreamingImage.Progress),
		})
	}
	if r.StreamingVideo != nil {
		if r.StreamingVideo.Complete {
			s.videoActive = false
			s.queue = append(s.queue, typ.Delta{
				Content: fmt.Sprintf("\n[video](%s)\n", s.assetURL(r.StreamingVideo.VideoURL)),
			})
		} else {
			s.videoActive = true
			s.queue = append(s.queue, typ.Delta{
				Reasoning: fmt.Sprintf("generating video (%d%%)\n", r.StreamingVideo.Progress),
			})
		}
	}

	if r.Token != "" {
		text := stripInternalTags(r.Token)
		if r.IsThinking || s.imageActive || s.videoActive {
			if text != "" {
				s.queue = append(s.queue, typ.Delta{Reasoning: text})
			}
		} else if visible := s.scan.feed(text); visible != "" {
			s.queue = append(s.queue, typ.Delta{Content: visible})
		}
	}

	if r.Card != nil {
		s.queue = append(s.queue, typ.Delta{Content: renderCard(r.Card.Title, r.Card.Text, r.Card.URL)})
	}

	if r.ModelResponse != nil {
		s.imageActive = false
		for _, u := range r.ModelResponse.GeneratedImageURLs {
			s.queue = append(s.queue, typ.Delta{
				Content: fmt.Sprintf("\n![image](%s)\n", s.assetURL(u)),
			})
		}
	}

	if r.IsDone || r.ModelResponse != nil {
		s.finalize()
	}
}

// finalize drains the scanner and emits the terminal delta exactly once.
func (s *stream) finalize() {
	if s.finished {
		return
	}
	s.finished = true
	if leftover := stripInternalTags(s.scan.flush()); leftover != "" {
		s.queue = append(s.queue, typ.Delta{Content: leftover})
	}

	calls := parseToolPayloads(s.scan.completed)
	if len(calls) > 0 {
		s.queue = append(s.queue, typ.Delta{ToolCalls: calls, FinishReason: typ.FinishToolCalls})
		return
	}
	s.queue = append(s.queue, typ.Delta{FinishReason: typ.FinishStop})
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	s.scan = tagScanner{}
	return s.body.Close()
}

// parseToolPayloads turns captured tag bodies into complete tool-call
// fragments. Malformed payloads are dropped rather than failing the stream.
func parseToolPayloads(payloads []string) []typ.ToolCallDelta {
	var calls []typ.ToolCallDelta
	for _, p := range payloads {
		name := gjson.Get(p, "name").String()
		if name == "" {
			continue
		}
		args := "{}"
		if res := gjson.Get(p, "arguments"); res.Exists() {
			if res.Type == gjson.JSON {
				args = res.Raw
			} else if b, err := json.Marshal(res.Value()); err == nil {
				args = string(b)
			}
		}
		calls = append(calls, typ.ToolCallDelta{
			Index:     len(calls),
			ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}

// assetURL makes scheme-less backend paths absolute.
func (s *stream) assetURL(u string) string {
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	return strings.TrimRight(s.assetBase, "/") + "/" + strings.TrimLeft(u, "/")
}

func renderCard(title, text, url string) string {
	var sb strings.Builder
	sb.WriteString("\n")
	if title != "" {
		fmt.Fprintf(&sb, "> **%s**\n", title)
	}
	if text != "" {
		fmt.Fprintf(&sb, "> %s\n", text)
	}
	if url != "" {
		fmt.Fprintf(&sb, "> <%s>\n", url)
	}
	return sb.String()
}
