package utils

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeString trims whitespace and escapes HTML entities. Device names
// and locations come straight from untrusted firmware payloads and end up
// rendered on the dashboard.
func SanitizeString(input string) string {
	trimmed := strings.TrimSpace(input)
	return html.EscapeString(removeControlChars(trimmed))
}

// NormalizeMAC uppercases a MAC address and strips separators, producing
// the form used for MQTT credential names (AABBCCDDEEFF).
func NormalizeMAC(mac string) string {
	var b strings.Builder
	for _, r := range mac {
		if r == ':' || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func removeControlChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
