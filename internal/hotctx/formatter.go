package hotctx

import (
	"strings"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/pkg/memory"
)

// FormatGrounding renders c as the grounding block appended to the persona's
// system prompt. The block opens with the persona's grounding header and the
// profile summary, followed by the retrieved conversations and documents.
// Empty sections are omitted; an empty context yields "".
//
// FormatGrounding is pure and safe for concurrent use.
func FormatGrounding(def agent.Definition, c *Context) string {
	if c.IsEmpty() {
		return ""
	}
	header := def.GroundingHeader
	if header == "" {
		header = "What I remember about you:"
	}

	var sb strings.Builder
	sb.WriteString(header)
	if c.ProfileSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(c.ProfileSummary)
	}
	if len(c.Turns) > 0 {
		sb.WriteString("\n\nRelevant past conversations:")
		for _, it := range c.Turns {
			sb.WriteString("\n- ")
			if role := it.Metadata[memory.KeyRole]; role != "" {
				sb.WriteString(role)
				sb.WriteString(": ")
			}
			sb.WriteString(oneLine(it.Text))
		}
	}
	if len(c.Documents) > 0 {
		sb.WriteString("\n\nRelevant documents:")
		for _, it := range c.Documents {
			sb.WriteString("\n- ")
			if name := documentName(it.Metadata); name != "" {
				sb.WriteString("[")
				sb.WriteString(name)
				sb.WriteString("] ")
			}
			sb.WriteString(oneLine(it.Text))
		}
	}
	return sb.String()
}

// documentName prefers the title and falls back to the document id.
func documentName(md map[string]string) string {
	if t := md[memory.KeyTitle]; t != "" {
		return t
	}
	return md[memory.KeyDocID]
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
