package chunk

import (
	"regexp"
	"strings"
)

var sentencePattern = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?]+)`)

// SplitSentences splits normalized text on sentence boundaries. Text
// after the last terminator is kept as a trailing sentence.
func SplitSentences(text string) []string {
	text = NormalizeWhitespace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentencePattern.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[loc[0]:loc[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// NormalizeWhitespace collapses all runs of whitespace into single
// spaces. Chunking works on normalized text so identical input always
// yields identical chunk boundaries.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// BuildChunks groups sentences into chunks of at most maxChunkSize
// bytes, carrying overlapSentences sentences from the end of each
// chunk into the next. Sentences longer than maxChunkSize are split on
// word boundaries.
func BuildChunks(text string, maxChunkSize, overlapSentences int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = 1000
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	// Oversized sentences would stall the grouping loop, split them up front.
	var units []string
	for _, s := range sentences {
		if len(s) > maxChunkSize {
			units = append(units, splitWords(s, maxChunkSize)...)
		} else {
			units = append(units, s)
		}
	}

	var chunks []string
	i := 0
	for i < len(units) {
		var b strings.Builder
		end := i
		for end < len(units) {
			add := len(units[end])
			if b.Len() > 0 {
				add++ // joining space
			}
			if b.Len()+add > maxChunkSize {
				break
			}
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(units[end])
			end++
		}
		if end == i {
			// Single unit still too large after splitting; should not
			// happen, but never loop forever.
			end = i + 1
			b.WriteString(units[i])
		}
		chunks = append(chunks, b.String())
		if end >= len(units) {
			break
		}
		next := end - overlapSentences
		if next <= i {
			next = i + 1
		}
		i = next
	}

	return chunks
}

// splitWords breaks a single overlong sentence into pieces of at most
// maxChunkSize bytes without splitting words, unless a single word
// itself exceeds the limit.
func splitWords(sentence string, maxChunkSize int) []string {
	var pieces []string
	var current strings.Builder

	for _, word := range strings.Fields(sentence) {
		if current.Len() > 0 && current.Len()+len(word)+1 > maxChunkSize {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() == 0 && len(word) > maxChunkSize {
			pieces = append(pieces, word)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}

	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}

	return pieces
}
