// internal/security/scrubber.go
package security

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// key=value credentials in URLs, env dumps and stack traces
	credentialPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|passwd)=([^\s&"']+)`)
	// Long hex strings (32+ chars) are likely API keys
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubOutput redacts credentials from text before it is persisted or
// forwarded to a downstream service.
func ScrubOutput(output string) string {
	result := bearerPattern.ReplaceAllString(output, "Bearer [REDACTED]")
	result = credentialPattern.ReplaceAllString(result, "$1=[REDACTED]")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}
