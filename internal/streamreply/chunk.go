package streamreply

import "strings"

// chunkTargetGraphemes is the soft target for a single outgoing message.
// Counted in runes (graphemes are approximated as code points, same as the
// teacher's display-width helpers do for CJK/combining-mark text).
const chunkTargetGraphemes = 3500

// Chunk splits text on paragraph boundaries (blank lines) into pieces no
// larger than chunkTargetGraphemes where possible; a single paragraph
// longer than the target is emitted as its own oversized chunk rather than
// being cut mid-word.
func Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, p := range paragraphs {
		pLen := len([]rune(p))
		if currentLen > 0 && currentLen+2+pLen > chunkTargetGraphemes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(p)
		currentLen += pLen
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}
