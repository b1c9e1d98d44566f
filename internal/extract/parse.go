package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fullWidthReplacer maps full-width punctuation the model sometimes emits
// inside JSON back to its ASCII form.
var fullWidthReplacer = strings.NewReplacer(
	"，", ",",
	"：", ":",
	"“", `"`,
	"”", `"`,
	"‘", `"`,
	"’", `"`,
	"【", "[",
	"】", "]",
	"（", "(",
	"）", ")",
)

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// ParseResult recovers a Result from raw model output. Model answers are
// frequently wrapped in prose or code fences and may carry full-width
// punctuation or trailing commas; all of that is repaired before decoding.
func ParseResult(raw string) (Result, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = stripCodeFence(cleaned)
	cleaned = fullWidthReplacer.Replace(cleaned)

	obj, ok := outermostObject(cleaned)
	if !ok {
		return Result{}, fmt.Errorf("parse extraction result: no JSON object in %d bytes of output", len(raw))
	}
	obj = trailingCommaRe.ReplaceAllString(obj, "$1")

	var res Result
	if err := json.Unmarshal([]byte(obj), &res); err != nil {
		return Result{}, fmt.Errorf("parse extraction result: %w", err)
	}

	for i, s := range res.Sessions {
		if s.Status != StatusOngoing && s.Status != StatusCompleted {
			return Result{}, fmt.Errorf("parse extraction result: session %d has status %q", i, s.Status)
		}
	}
	return res, nil
}

func stripCodeFence(s string) string {
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

// outermostObject returns the substring from the first '{' to its matching
// closing brace, tracking string literals so braces inside values do not
// unbalance the scan.
func outermostObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
