package webchat

import (
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// collapsePrompt folds the whole conversation into the single prompt string
// the web backend accepts per turn. File and image blocks carrying inline data
// are returned separately for upload.
func collapsePrompt(req *typ.Request) (string, []typ.Block) {
	var sb strings.Builder
	var media []typ.Block

	if sys := systemSection(req); sys != "" {
		sb.WriteString("system: ")
		sb.WriteString(sys)
		sb.WriteString("\n\n")
	}

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == "user" {
			lastUser = i
		}
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		text, blocks := renderMessage(m)
		media = append(media, blocks...)
		if text == "" {
			continue
		}
		if i == lastUser {
			// The closing user message goes out verbatim, no role prefix.
			sb.WriteString(text)
			sb.WriteString("\n")
			continue
		}
		role := m.Role
		if m.Role == "tool" {
			role = "user"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), media
}

// renderMessage flattens one message to text, pulling out uploadable blocks.
func renderMessage(m *typ.Message) (string, []typ.Block) {
	var media []typ.Block
	var sb strings.Builder

	if m.Role == "tool" {
		fmt.Fprintf(&sb, "tool (%s, %s): ", m.Name, m.ToolCallID)
	}
	for _, b := range m.Content {
		switch b.Type {
		case typ.BlockText, typ.BlockThinking:
			sb.WriteString(b.Text)
		case typ.BlockToolUse:
			args := b.ArgumentsJSON
			if args == "" {
				args = "{}"
			}
			fmt.Fprintf(&sb, "%s{\"name\": %q, \"arguments\": %s}%s", openTag, b.ToolName, args, closeTag)
		case typ.BlockToolResult:
			sb.WriteString(b.Content)
		case typ.BlockImage, typ.BlockFile:
			if b.Data != "" {
				media = append(media, b)
			}
		}
	}
	return sb.String(), media
}

// systemSection combines the caller's system text with a generated tool
// manual: the backend has no native tool-calling surface, so tools are
// described in Markdown and calls come back inline as tagged blocks.
func systemSection(req *typ.Request) string {
	var sb strings.Builder
	sb.WriteString(req.SystemText())
	if len(req.Tools) == 0 {
		return sb.String()
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Available Tools\n\n")
	fmt.Fprintf(&sb, "To call a tool, reply with %s{\"name\": \"...\", \"arguments\": {...}}%s and nothing else after it.\n\n", openTag, closeTag)
	for _, t := range req.Tools {
		fmt.Fprintf(&sb, "### %s\n", t.Name)
		if t.Description != "" {
			sb.WriteString(t.Description)
			sb.WriteString("\n")
		}
		if len(t.InputSchema) > 0 {
			sb.WriteString("Parameters (JSON Schema):\n```json\n")
			sb.Write(t.InputSchema)
			sb.WriteString("\n```\n")
		}
		sb.WriteString("\n")
	}
	switch {
	case req.ToolChoice.Name != "":
		fmt.Fprintf(&sb, "You must call the tool %q in this turn.\n", req.ToolChoice.Name)
	case req.ToolChoice.Mode == "required":
		sb.WriteString("You must call at least one tool in this turn.\n")
	case req.ToolChoice.Mode == "none":
		sb.WriteString("Do not call any tool in this turn.\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
