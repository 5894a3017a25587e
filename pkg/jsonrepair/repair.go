package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError signals that raw model output could not be turned into
// valid JSON even after repair.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecoverable JSON: %s", e.Reason)
}

// Repair applies best-effort structural fixes to raw model output and
// returns a valid JSON document. Input that is already valid JSON is
// returned unchanged. It is a pure function with no side effects so
// its heuristics can be tested in isolation.
func Repair(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ParseError{Reason: "empty output"}
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	candidate := stripCodeFences(trimmed)
	candidate = replaceSmartQuotes(candidate)

	// Models often wrap the JSON object in prose; keep only the
	// largest balanced brace span.
	if span := largestBraceSpan(candidate); span != "" {
		candidate = span
	}

	candidate = stripTrailingCommas(candidate)

	if !json.Valid([]byte(candidate)) {
		return "", &ParseError{Reason: "no balanced JSON object found"}
	}
	return candidate, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func replaceSmartQuotes(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
	)
	return replacer.Replace(s)
}

// largestBraceSpan returns the longest balanced {...} region of s,
// tracking string literals so braces inside values do not count.
func largestBraceSpan(s string) string {
	best := ""
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					if span := s[start : i+1]; len(span) > len(best) {
						best = span
					}
					i = len(s) // done with this start
				}
			}
		}
	}
	return best
}

// stripTrailingCommas removes commas that directly precede a closing
// brace or bracket, a common model output defect.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
