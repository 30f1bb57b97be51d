package portal

import (
	"net/url"
	"strings"
)

// Normalize canonicalizes a user-supplied portal address and derives a short
// display name for it. It accepts a bare host, host:port or a full URL,
// prepends http:// when no scheme is present, resolves to the URL root and
// strips trailing slashes. The short name is the last two dot-separated host
// labels joined and lower-cased ("tv.example.com" -> "examplecom"), falling
// back to the full host when it has no dot.
//
// Normalize never fails: malformed input yields a best-effort pair. It is a
// display and cache-key helper, not a validator.
func Normalize(input string) (baseURL, shortName string) {
	raw := strings.TrimSpace(input)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Unparsable input: take whatever sits between the scheme and the
		// first slash as the host and move on.
		rest := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		host := strings.SplitN(rest, "/", 2)[0]
		return strings.TrimRight(raw, "/"), shortNameFor(host)
	}

	return u.Scheme + "://" + u.Host, shortNameFor(u.Hostname())
}

func shortNameFor(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return strings.ToLower(strings.ReplaceAll(host, ".", ""))
	}
	return strings.ToLower(labels[len(labels)-2] + labels[len(labels)-1])
}
