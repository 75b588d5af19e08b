// Package ssrf validates provider base URLs before any request is made,
// preventing Server-Side Request Forgery through hostile configuration.
package ssrf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BlockedError is returned when a base URL is rejected by SSRF protection
// rules. It is a configuration-time error; no request has been sent.
type BlockedError struct {
	URL    string
	Reason string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("base_url %q rejected: %s", e.URL, e.Reason)
}

// loopbackHostnames are hosts plain http is permitted to reach. Everything
// else requires https unless allow_insecure_http is set.
var loopbackHostnames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// ValidateBaseURL checks a provider base URL at configuration time.
// https URLs are always allowed. http URLs are allowed only for loopback
// hosts (localhost, 127.0.0.1, [::1]) unless allowInsecureHTTP is set.
// Every other scheme, and URLs without a scheme or host, are rejected.
func ValidateBaseURL(raw string, allowInsecureHTTP bool) error {
	if strings.TrimSpace(raw) == "" {
		return &BlockedError{URL: raw, Reason: "empty URL"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &BlockedError{URL: raw, Reason: fmt.Sprintf("unparseable: %v", err)}
	}

	switch u.Scheme {
	case "https":
		// Always allowed.
	case "http":
		if allowInsecureHTTP {
			break
		}
		if !IsLoopbackHost(u.Hostname()) {
			return &BlockedError{
				URL:    raw,
				Reason: "plain http is only allowed for loopback hosts; set allow_insecure_http to override",
			}
		}
	case "":
		return &BlockedError{URL: raw, Reason: "missing scheme"}
	default:
		return &BlockedError{URL: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if u.Hostname() == "" {
		return &BlockedError{URL: raw, Reason: "missing host"}
	}

	return nil
}

// IsLoopbackHost reports whether host names the local machine. Both the
// well-known loopback names and any address in a loopback range qualify.
func IsLoopbackHost(host string) bool {
	normalized := strings.ToLower(strings.TrimSpace(host))
	normalized = strings.Trim(normalized, "[]")
	if normalized == "" {
		return false
	}
	if loopbackHostnames[normalized] {
		return true
	}
	if ip := net.ParseIP(normalized); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
