package telegram

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ngrant/bob/internal/streamreply"
)

// reCodeBlock, reBold, reItalic, reInlineCode, and reLink match the narrow markdown subset
// engine output actually uses. Order matters: bold before italic so
// "**x**" isn't first consumed as two italic markers.
var (
	reCodeBlock = regexp.MustCompile("(?s)```(\\w*)\\n?(.*?)```")
	reBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic    = regexp.MustCompile(`(?:^|[^*])\*([^*\n]+)\*`)
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

type span struct {
	start, end int // rune offsets into the plain (post-strip) output
	kind       string
	url        string
	lang       string
}

// renderMarkdownEntities strips the supported markdown markers from text
// and returns the plain text plus the entity spans describing where each
// marker used to be, in rune offsets (Telegram's own API wants UTF-16 code
// unit offsets; ASCII and most chat text coincide, but a caller rendering
// heavy astral-plane/emoji content should re-derive offsets in UTF-16
// before sending — not done here to keep this self-contained).
func renderMarkdownEntities(text string) (string, []streamreply.Entity) {
	var out strings.Builder
	var spans []span

	i := 0
	runes := []rune(text)
	n := len(runes)

	for i < n {
		rest := string(runes[i:])

		if m := reCodeBlock.FindStringIndex(rest); m != nil && m[0] == 0 {
			sub := reCodeBlock.FindStringSubmatch(rest)
			lang := sub[1]
			body := sub[2]
			bodyStartRune := runeLen(out.String())
			out.WriteString(body)
			spans = append(spans, span{start: bodyStartRune, end: runeLen(out.String()), kind: "pre", lang: lang})
			i += len([]rune(rest[:m[1]]))
			continue
		}

		if m := reBold.FindStringSubmatchIndex(rest); m != nil && m[0] == 0 {
			inner := rest[m[2]:m[3]]
			s := runeLen(out.String())
			out.WriteString(inner)
			spans = append(spans, span{start: s, end: runeLen(out.String()), kind: "bold"})
			i += len([]rune(rest[:m[1]]))
			continue
		}

		if m := reInlineCode.FindStringSubmatchIndex(rest); m != nil && m[0] == 0 {
			inner := rest[m[2]:m[3]]
			s := runeLen(out.String())
			out.WriteString(inner)
			spans = append(spans, span{start: s, end: runeLen(out.String()), kind: "code"})
			i += len([]rune(rest[:m[1]]))
			continue
		}

		if m := reLink.FindStringSubmatchIndex(rest); m != nil && m[0] == 0 {
			label := rest[m[2]:m[3]]
			url := rest[m[4]:m[5]]
			s := runeLen(out.String())
			out.WriteString(label)
			spans = append(spans, span{start: s, end: runeLen(out.String()), kind: "text_link", url: url})
			i += len([]rune(rest[:m[1]]))
			continue
		}

		if m := reItalic.FindStringSubmatchIndex(rest); m != nil && m[0] == 0 {
			// reItalic's leading group may consume a preceding non-'*' rune;
			// emit it verbatim before the italic span.
			full := rest[m[0]:m[1]]
			inner := rest[m[2]:m[3]]
			prefixLen := len(full) - len(inner) - 2
			if prefixLen > 0 {
				out.WriteString(full[:prefixLen])
			}
			s := runeLen(out.String())
			out.WriteString(inner)
			spans = append(spans, span{start: s, end: runeLen(out.String()), kind: "italic"})
			i += len([]rune(full))
			continue
		}

		out.WriteRune(runes[i])
		i++
	}

	plain := out.String()
	entities := make([]streamreply.Entity, 0, len(spans))
	for _, sp := range spans {
		entities = append(entities, streamreply.Entity{
			Type:   sp.kind,
			Offset: sp.start,
			Length: sp.end - sp.start,
			URL:    sp.url,
			Lang:   sp.lang,
		})
	}
	return plain, entities
}

func runeLen(s string) int {
	return len([]rune(s))
}

// displayWidth is the terminal/Telegram-monospace display width of s,
// treating combining marks as zero-width and CJK as double-width.
func displayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// renderTableAsCode reflows a markdown table's pipe-delimited rows into a
// fixed-width plain-text table suitable for a monospace code block, so
// CJK/Vietnamese content lines up visually despite variable byte widths.
func renderTableAsCode(lines []string) string {
	var rows [][]string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		cells := strings.Split(strings.Trim(trimmed, "|"), "|")
		for i, c := range cells {
			cells[i] = strings.TrimSpace(c)
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return ""
	}

	cols := len(rows[0])
	widths := make([]int, cols)
	isSeparator := func(cells []string) bool {
		for _, c := range cells {
			if c != "" && strings.Trim(c, "-:") != "" {
				return false
			}
		}
		return true
	}
	for _, row := range rows {
		if isSeparator(row) {
			continue
		}
		for i := 0; i < cols && i < len(row); i++ {
			if w := displayWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var out []string
	for _, row := range rows {
		if isSeparator(row) {
			var sep strings.Builder
			sep.WriteString("|")
			for _, w := range widths {
				sep.WriteString(strings.Repeat("-", w+2))
				sep.WriteString("|")
			}
			out = append(out, sep.String())
			continue
		}
		var b strings.Builder
		b.WriteString("|")
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			pad := widths[i] - displayWidth(cell)
			if pad < 0 {
				pad = 0
			}
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", pad))
			b.WriteString(" |")
		}
		out = append(out, b.String())
	}
	return strings.Join(out, "\n")
}
