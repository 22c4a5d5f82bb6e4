package signalr

import (
	"errors"
	"fmt"
)

// Dialect is the protocol generation a timing server speaks.
type Dialect int

const (
	DialectModern Dialect = iota // current generation, negotiate + json envelopes
	DialectLegacy                // older generation, named hub + distinct handshake
)

func (d Dialect) String() string {
	switch d {
	case DialectModern:
		return "modern"
	case DialectLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ErrLegacyServerDetected signals that a modern connection attempt reached a
// server speaking the legacy dialect. Triggers the one-shot dialect fallback.
var ErrLegacyServerDetected = errors.New("legacy server detected")

// ErrSchemeMismatch signals a secure connection attempt against an
// insecure-only endpoint. Triggers the one-shot http retry.
var ErrSchemeMismatch = errors.New("secure scheme rejected by insecure endpoint")

// DetectDialect picks the dialect to try first. A legacy path hint goes
// straight to the legacy dialect, everything else starts modern.
func DetectDialect(endpoint *Endpoint) Dialect {
	if endpoint.HasLegacyPath() {
		return DialectLegacy
	}
	return DialectModern
}

// IsLegacyServerError reports whether a modern start attempt failed because
// the server only understands the legacy dialect. The signal is the shape of
// the negotiate response (legacy servers answer with a ProtocolVersion
// field), not an error-message substring.
func IsLegacyServerError(err error) bool {
	return errors.Is(err, ErrLegacyServerDetected)
}

// IsSchemeMismatch reports whether a connection attempt failed due to a
// https-vs-http mismatch.
func IsSchemeMismatch(err error) bool {
	return errors.Is(err, ErrSchemeMismatch)
}
