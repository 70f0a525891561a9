package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// Allowed entries support:
//   - "*" to accept any origin (development dashboards)
//   - Full Origin values with scheme, e.g. "https://panel.example.com"
//   - Hostnames, e.g. "example.com" (any port)
//   - host:port entries for an explicit port allow-list
//   - Wildcard hostnames, e.g. "*.example.com" (subdomains only)
//
// Browserless peers such as door controllers send no Origin header;
// allowNoOrigin controls whether those are accepted.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		// Entries carrying a scheme are full Origin value matches.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		entry = strings.ToLower(entry)
		if strings.HasPrefix(entry, "*.") {
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" && strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		// host:port entries compare against the parsed Host, keeping the
		// bare "example.com" form as hostname-only.
		if host != "" {
			if _, _, err := net.SplitHostPort(entry); err == nil {
				if host == entry {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == entry {
			return true
		}
		// Exact match for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
