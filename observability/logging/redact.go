package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder for sensitive fields in logs.
// Reconnect tokens, session tokens and wallet addresses must never appear in
// plain text.
const RedactedValue = "[REDACTED]"

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay recognisable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying the redacted form of value.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
