package memory

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

const (
	chunkTokenCap     = 500
	chunkOverlapToken = 40
	chunkMinTailToken = 50
	approxCharsPerTok = 4
)

var reHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
)

// tokenEncoder lazily loads the cl100k_base encoding used by the engines'
// underlying models. Loading it fetches the BPE rank file on first use, so a
// failure (offline host, no cache dir) is tolerated rather than fatal.
func tokenEncoder() *tiktoken.Tiktoken {
	tokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEnc = enc
		}
	})
	return tokenEnc
}

// approxTokens counts s's tokens with the real BPE encoder when available,
// falling back to ceil(chars/4) if the encoder couldn't be loaded.
func approxTokens(s string) int {
	if enc := tokenEncoder(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return (n + approxCharsPerTok - 1) / approxCharsPerTok
}

type headingFrame struct {
	level int
	title string
}

// section is a single heading's body, before any size-based splitting.
type section struct {
	title       string
	breadcrumbs []string
	lines       []string
	startLine   int // 1-indexed
	endLine     int
}

// splitSections walks markdown text maintaining a heading-level stack so
// each section carries the breadcrumb trail of its ancestor headings.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var stack []headingFrame
	var sections []section

	var cur *section
	flush := func(endLine int) {
		if cur == nil {
			return
		}
		cur.endLine = endLine
		if strings.TrimSpace(strings.Join(cur.lines, "\n")) != "" {
			sections = append(sections, *cur)
		}
		cur = nil
	}

	breadcrumbsOf := func(stack []headingFrame) []string {
		crumbs := make([]string, len(stack))
		for i, f := range stack {
			crumbs[i] = f.title
		}
		return crumbs
	}

	for i, line := range lines {
		lineNum := i + 1
		if m := reHeading.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			title := m[2]

			flush(lineNum - 1)

			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			crumbs := breadcrumbsOf(stack)
			stack = append(stack, headingFrame{level: level, title: title})

			cur = &section{title: title, breadcrumbs: crumbs, startLine: lineNum}
			continue
		}

		if cur == nil {
			cur = &section{title: "", breadcrumbs: breadcrumbsOf(stack), startLine: lineNum}
		}
		cur.lines = append(cur.lines, line)
	}
	flush(len(lines))

	return sections
}

// ChunkMarkdown turns a markdown source's full text into addressable chunks,
// tagged with the given source string. Oversized sections are split with a
// token overlap so a match near a split point still has surrounding context.
func ChunkMarkdown(source, text string) []Chunk {
	sections := splitSections(text)
	now := time.Now()

	var chunks []Chunk
	idx := 0
	capChars := chunkTokenCap * approxCharsPerTok
	overlapChars := chunkOverlapToken * approxCharsPerTok
	minTailChars := chunkMinTailToken * approxCharsPerTok

	for _, sec := range sections {
		body := strings.Join(sec.lines, "\n")
		trimmed := strings.TrimSpace(body)
		if trimmed == "" {
			continue
		}

		if approxTokens(trimmed) <= chunkTokenCap {
			chunks = append(chunks, newChunk(source, idx, sec.title, sec.breadcrumbs, trimmed, sec.startLine, sec.endLine, now))
			idx++
			continue
		}

		subs := splitWithOverlap(body, sec.startLine, capChars, overlapChars, minTailChars)
		for i, sub := range subs {
			title := sec.title
			if i > 0 {
				title = strings.TrimSpace(title + " (cont.)")
			}
			chunks = append(chunks, newChunk(source, idx, title, sec.breadcrumbs, sub.text, sub.startLine, sub.endLine, now))
			idx++
		}
	}

	return chunks
}

func newChunk(source string, idx int, title string, breadcrumbs []string, content string, startLine, endLine int, now time.Time) Chunk {
	return Chunk{
		ID:          source + "#" + strconv.Itoa(idx),
		Source:      source,
		Title:       title,
		Breadcrumbs: append([]string(nil), breadcrumbs...),
		Content:     content,
		Preview:     preview(content, 180),
		LineStart:   startLine,
		LineEnd:     endLine,
		TokenCount:  approxTokens(content),
		CreatedAt:   now,
	}
}

func preview(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxChars {
		return s
	}
	return strings.TrimSpace(s[:maxChars]) + "..."
}

type subChunk struct {
	text               string
	startLine, endLine int
}

// splitWithOverlap splits an oversized section body on line boundaries,
// carrying the last overlapChars of each piece into the next one so a
// sentence crossing a split point isn't orphaned from its context. A
// trailing piece smaller than minTailChars is merged into its predecessor
// instead of surviving as a near-empty chunk. A single line longer than
// capChars is first cut into pieces of capChars-overlapChars runes, each
// keeping that line's number.
func splitWithOverlap(body string, firstLine, capChars, overlapChars, minTailChars int) []subChunk {
	piece := capChars - overlapChars
	var lines []string
	var lineNums []int
	for i, line := range strings.Split(body, "\n") {
		r := []rune(line)
		if len(r) > capChars {
			for len(r) > piece {
				lines, lineNums = append(lines, string(r[:piece])), append(lineNums, firstLine+i)
				r = r[piece:]
			}
		}
		lines, lineNums = append(lines, string(r)), append(lineNums, firstLine+i)
	}

	var subs []subChunk
	var cur strings.Builder
	curStartLine := firstLine

	flush := func(endLine int) {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			subs = append(subs, subChunk{text: text, startLine: curStartLine, endLine: endLine})
		}
		cur.Reset()
	}

	for i, line := range lines {
		lineNum := lineNums[i]
		if cur.Len()+len(line)+1 > capChars && cur.Len() > 0 {
			flush(lineNums[i-1])

			overlap := tailChars(subs[len(subs)-1].text, overlapChars)
			cur.WriteString(overlap)
			curStartLine = lineNum
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	flush(lineNums[len(lineNums)-1])

	if len(subs) > 1 {
		last := subs[len(subs)-1]
		if approxTokens(last.text) < chunkMinTailToken && len(last.text) < minTailChars {
			prev := &subs[len(subs)-2]
			prev.text = strings.TrimSpace(prev.text + "\n" + last.text)
			prev.endLine = last.endLine
			subs = subs[:len(subs)-1]
		}
	}

	return subs
}

func tailChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
