package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters so untrusted
// text (e.g. inbound webhook message bodies) is safe to log and echo.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}
