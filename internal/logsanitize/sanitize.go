// Package logsanitize provides helpers for preparing untrusted or secret values
// before they reach structured log output.
package logsanitize

import "strings"

// maxLen caps how much of a single untrusted value is logged.
const maxLen = 256

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117) and truncates overly long values.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)

	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}

// Mask hides a bearer credential, keeping only a short prefix so that log lines
// about the same token can be correlated.
func Mask(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****"
}
