package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Pool identifiers and amounts are public ledger data and are logged as is.
var publicKeys = map[string]struct{}{
	"tick":       {},
	"hash":       {},
	"borrower":   {},
	"caller":     {},
	"account":    {},
	"amount":     {},
	"path":       {},
	"request_id": {},
}

// MaskField builds an attribute for a value read from a request. Keys other
// than public ledger fields are masked. Authorization values keep their
// scheme so rejected requests remain diagnosable. Empty values are kept.
func MaskField(key, value string) slog.Attr {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return slog.String(key, "")
	}
	if _, ok := publicKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, trimmed)
	}
	if scheme, _, found := strings.Cut(trimmed, " "); found && strings.EqualFold(key, "authorization") {
		return slog.String(key, scheme+" "+RedactedValue)
	}
	return slog.String(key, RedactedValue)
}
