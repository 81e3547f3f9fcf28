package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkLength is the default chunk size in runes.
const DefaultMaxChunkLength = 2000

// span is a byte range of the text being chunked.
type span struct {
	start, end int
}

// ChunkText splits cleaned text into chunks of at most maxRunes runes.
//
// Whole sentences are accumulated greedily until the next one would overflow.
// A sentence longer than maxRunes is hard-split at the last space inside the
// window, or at exactly maxRunes when the window has no space. Every chunk is a
// trimmed contiguous slice of text.
func ChunkText(text string, maxRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	cur := span{start: -1}

	flush := func() {
		if cur.start >= 0 {
			chunks = append(chunks, text[cur.start:cur.end])
			cur.start = -1
		}
	}

	for _, s := range sentenceSpans(text) {
		if cur.start >= 0 && utf8.RuneCountInString(text[cur.start:s.end]) <= maxRunes {
			cur.end = s.end
			continue
		}
		flush()

		if utf8.RuneCountInString(text[s.start:s.end]) > maxRunes {
			chunks = append(chunks, hardSplit(text[s.start:s.end], maxRunes)...)
			continue
		}
		cur = s
	}
	flush()

	return chunks
}

// sentenceSpans returns the trimmed byte range of each sentence in text.
func sentenceSpans(text string) []span {
	var spans []span
	offset := 0
	for _, sentence := range splitSentences(text) {
		lead := len(sentence) - len(strings.TrimLeftFunc(sentence, unicode.IsSpace))
		trail := len(sentence) - len(strings.TrimRightFunc(sentence, unicode.IsSpace))
		if lead < len(sentence) {
			spans = append(spans, span{start: offset + lead, end: offset + len(sentence) - trail})
		}
		offset += len(sentence)
	}
	return spans
}

// hardSplit cuts an overlong sentence into pieces of at most maxRunes runes.
func hardSplit(sentence string, maxRunes int) []string {
	var pieces []string
	runes := []rune(sentence)

	for len(runes) > maxRunes {
		window := runes[:maxRunes]
		cut := -1
		for i := len(window) - 1; i > 0; i-- {
			if unicode.IsSpace(window[i]) {
				cut = i
				break
			}
		}

		if cut > 0 {
			pieces = append(pieces, strings.TrimSpace(string(window[:cut])))
			runes = runes[cut+1:]
		} else {
			pieces = append(pieces, string(window))
			runes = runes[maxRunes:]
		}
		for len(runes) > 0 && unicode.IsSpace(runes[0]) {
			runes = runes[1:]
		}
	}

	if rest := strings.TrimSpace(string(runes)); rest != "" {
		pieces = append(pieces, rest)
	}
	return pieces
}

// splitSentences splits text into sentences.
// The pieces concatenate back to text.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		// Check for sentence ending
		if r == '.' || r == '!' || r == '?' {
			// Look ahead for space or end
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				// Single capital before the dot, e.g. "J. Smith"
				if i > 1 && unicode.IsUpper(runes[i-1]) && unicode.IsSpace(runes[i-2]) {
					continue
				}
				sentences = append(sentences, current.String())
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}

	return sentences
}
