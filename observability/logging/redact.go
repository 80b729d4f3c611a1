package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskToken redacts a credential token for logging, keeping a short prefix so
// operators can correlate failures against issued tokens without exposing the
// secret.
func MaskToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 8 {
		return RedactedValue
	}
	return trimmed[:8] + RedactedValue
}

// MaskField returns a slog.Attr carrying the redacted placeholder for
// non-empty sensitive values.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
