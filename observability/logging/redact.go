package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// redactionAllowlist names the log keys safe to emit verbatim. Everything
// else passed through MaskField is assumed sensitive: mandate tokens, API
// keys, and principal key material must never reach a log line in the clear.
var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"reason":       {},
	"component":    {},
	"principal_id": {},
	"mandate_id":   {},
	"policy_id":    {},
	"charge_id":    {},
	"event_id":     {},
	"resource":     {},
	"outcome":      {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction. Tests use this to ensure sensitive keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskToken redacts a bearer credential while keeping a short prefix so an
// operator can correlate a log line with a specific token without the log
// ever holding enough to replay it.
func MaskToken(token string) string {
	const keep = 8
	if len(token) <= keep {
		return RedactedValue
	}
	return token[:keep] + "..." + RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
