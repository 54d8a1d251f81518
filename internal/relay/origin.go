package relay

import (
	"net"
	"net/url"
	"strings"
)

// originAllowed reports whether a WebSocket Origin may connect. Non-browser
// clients send no Origin header and are allowed; browsers are held to
// localhost, private-range and link-local hosts, and the configured
// allow-list. Allow-list entries match either the full origin or its host.
func originAllowed(origin string, allowlist []string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(origin, allowed) || strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
