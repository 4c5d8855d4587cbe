// Package naming derives canonical event keys from event type names.
package naming

import "strings"

// TrimMode selects how prefixes and suffixes are removed from event names.
type TrimMode int

const (
	// TrimCharset removes any leading run of characters contained in the prefix and any
	// trailing run of characters contained in the suffix. With the default suffix
	// "IntegrationEvent", "PaymentIntegrationEvent" becomes "Paym", not "Payment".
	// It is the default because existing deployments route on keys produced this way.
	TrimCharset TrimMode = iota
	// TrimLiteral removes the prefix and suffix as literal strings, at most once each.
	TrimLiteral
)

// Normalizer maps raw event names to canonical event keys. The zero value performs no
// trimming. A Normalizer is immutable and safe for concurrent use.
type Normalizer struct {
	prefix string
	suffix string
	mode   TrimMode
}

// New builds a Normalizer. Prefix and suffix are fixed for its lifetime: changing them
// would make previously registered keys unreachable.
func New(prefix, suffix string, mode TrimMode) Normalizer {
	return Normalizer{prefix: prefix, suffix: suffix, mode: mode}
}

// Prefix returns the configured event name prefix.
func (n Normalizer) Prefix() string { return n.prefix }

// Suffix returns the configured event name suffix.
func (n Normalizer) Suffix() string { return n.suffix }

// Mode returns the trim mode.
func (n Normalizer) Mode() TrimMode { return n.mode }

// Normalize returns the canonical event key for raw.
func (n Normalizer) Normalize(raw string) string {
	if n.mode == TrimLiteral {
		if n.prefix != "" {
			raw = strings.TrimPrefix(raw, n.prefix)
		}

		if n.suffix != "" {
			raw = strings.TrimSuffix(raw, n.suffix)
		}

		return raw
	}

	if n.prefix != "" {
		raw = strings.TrimLeft(raw, n.prefix)
	}

	if n.suffix != "" {
		raw = strings.TrimRight(raw, n.suffix)
	}

	return raw
}

// FullName re-applies prefix and suffix to a key.
func (n Normalizer) FullName(key string) string {
	return n.prefix + key + n.suffix
}

// SubscriberName returns the per-application subscription name for raw, in the form
// "<app>.<key>". Backends use it to name queues and broker subscriptions.
func (n Normalizer) SubscriberName(app, raw string) string {
	return app + "." + n.Normalize(raw)
}

// ParseTrimMode parses "charset" or "literal". The empty string selects TrimCharset.
func ParseTrimMode(s string) (TrimMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "charset":
		return TrimCharset, true
	case "literal":
		return TrimLiteral, true
	default:
		return TrimCharset, false
	}
}

func (m TrimMode) String() string {
	if m == TrimLiteral {
		return "literal"
	}

	return "charset"
}
