package telegram

import (
	"html"
	"strings"

	"daisysrv/internal/relay"
	"daisysrv/internal/sink/markdown"
)

const textLimit = 4000

// RenderHTML turns a Discord-flavoured payload into Telegram HTML.
func RenderHTML(p relay.Payload) string {
	var parts []string
	if t := strings.TrimSpace(p.Text); t != "" {
		parts = append(parts, markdownToHTML(t))
	}
	for _, e := range p.Embeds {
		var b strings.Builder
		if e.Author != nil && e.Author.Name != "" {
			b.WriteString("<i>" + esc(e.Author.Name) + "</i>\n")
		}
		if e.Title != "" {
			b.WriteString("<b>" + esc(e.Title) + "</b>\n")
		}
		if e.Description != "" {
			b.WriteString(markdownToHTML(e.Description) + "\n")
		}
		for _, f := range e.Fields {
			b.WriteString("<b>" + esc(f.Name) + ":</b> " + esc(f.Value) + "\n")
		}
		if e.Footer != nil && e.Footer.Text != "" {
			b.WriteString("<i>" + esc(e.Footer.Text) + "</i>\n")
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func esc(s string) string {
	return html.EscapeString(strings.ReplaceAll(s, markdown.ZWSP, ""))
}

// markdownToHTML handles the subset the relay produces: fenced code blocks,
// **bold** and backslash escapes.
func markdownToHTML(s string) string {
	var b strings.Builder
	segs := strings.Split(s, "```")
	for i, seg := range segs {
		if i%2 == 1 && i < len(segs)-1 {
			seg = strings.TrimPrefix(seg, "\n")
			b.WriteString("<pre>" + esc(strings.TrimSuffix(seg, "\n")) + "</pre>")
			continue
		}
		if i%2 == 1 {
			b.WriteString(esc("```"))
		}
		b.WriteString(inline(seg))
	}
	return b.String()
}

func inline(s string) string {
	var b strings.Builder
	bold := false
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\\' && i+1 < len(rs) && strings.ContainsRune("\\*_~`|>", rs[i+1]):
			b.WriteString(esc(string(rs[i+1])))
			i++
		case r == '*' && i+1 < len(rs) && rs[i+1] == '*':
			if bold {
				b.WriteString("</b>")
			} else {
				b.WriteString("<b>")
			}
			bold = !bold
			i++
		default:
			b.WriteString(esc(string(r)))
		}
	}
	if bold {
		b.WriteString("</b>")
	}
	return b.String()
}

// splitText splits on newline boundaries near the limit, never inside a tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
