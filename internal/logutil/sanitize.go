package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a hostile command or server name cannot inject fake log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CommandPrefix returns a sanitized prefix of a command for audit metadata
// and log lines. The full command text never enters the audit stream.
func CommandPrefix(command string, max int) string {
	s := SanitizeForLog(command)
	if max > 0 && len(s) > max {
		return s[:max] + "..."
	}
	return s
}
