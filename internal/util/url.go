// url.go — URL helpers for the domain-check path.
package util

import (
	"net/url"
	"strings"
)

// HostOf extracts the bare hostname from a navigation URL for the domain
// allowlist check. blob: URLs resolve to their nested origin's host. A URL
// that fails to parse yields its own raw string so the security gate still
// has something concrete to deny.
func HostOf(rawURL string) string {
	rawURL = strings.TrimPrefix(rawURL, "blob:")
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

// IsDataURL reports whether rawURL carries its content inline and never
// reaches the network, in which case the domain check does not apply.
func IsDataURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "data:")
}
