// internal/security/sanitizer.go
package security

import "strings"

const maxValueRunes = 1024

// SanitizeValue cleans an event payload value before it is interpolated into
// a notification summary:
//   - control characters (except tab and newline) are stripped
//   - triple backticks are removed so values cannot break code fences
//   - the result is truncated to 1024 runes
func SanitizeValue(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	result := strings.ReplaceAll(b.String(), "```", "")

	if n > maxValueRunes {
		runes := []rune(result)
		if len(runes) > maxValueRunes {
			result = string(runes[:maxValueRunes])
		}
	}
	return result
}
