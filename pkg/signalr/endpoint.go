package signalr

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Endpoint describes where the timing server lives. Immutable once parsed.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     string
	BasePath string
}

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// ParseEndpoint parses a configured URL string into an Endpoint.
// A missing scheme defaults to http (venue servers are plain http).
func ParseEndpoint(rawURL string) (*Endpoint, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty endpoint url")
	}
	if !schemeRe.MatchString(rawURL) {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url %s: %w", rawURL, err)
	}
	return &Endpoint{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Hostname(),
		Port:     u.Port(),
		BasePath: strings.TrimRight(u.Path, "/"),
	}, nil
}

// URL renders the endpoint back into its base URL.
func (e *Endpoint) URL() string {
	host := e.Host
	if e.Port != "" {
		host = fmt.Sprintf("%s:%s", e.Host, e.Port)
	}
	return fmt.Sprintf("%s://%s%s", e.Scheme, host, e.BasePath)
}

// Origin returns scheme://host[:port] without the base path.
func (e *Endpoint) Origin() string {
	host := e.Host
	if e.Port != "" {
		host = fmt.Sprintf("%s:%s", e.Host, e.Port)
	}
	return fmt.Sprintf("%s://%s", e.Scheme, host)
}

func (e *Endpoint) Insecure() bool { return e.Scheme == "http" }

// legacy servers expose their push endpoints below a /signalr path
const legacyPathSegment = "/signalr"

// HasLegacyPath reports whether the base path hints at the legacy dialect.
func (e *Endpoint) HasLegacyPath() bool {
	return strings.Contains(strings.ToLower(e.BasePath), legacyPathSegment)
}

// NormalizeLegacyURL ensures a usable legacy base URL: default scheme http,
// no trailing slashes and exactly one /signalr suffix.
func NormalizeLegacyURL(rawURL string) string {
	normalized := rawURL
	if !schemeRe.MatchString(normalized) {
		normalized = "http://" + normalized
	}
	normalized = strings.TrimRight(normalized, "/")
	if !strings.HasSuffix(strings.ToLower(normalized), legacyPathSegment) {
		normalized += legacyPathSegment
	}
	return normalized
}
