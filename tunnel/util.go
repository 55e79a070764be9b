package tunnel

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeHost derives the registry key from a request Host header: the
// header is parsed as a URL authority, the port is stripped and the result is
// lowercased. An empty or unparsable header is an error; callers answer it
// with HTTP 400.
func NormalizeHost(hostHeader string) (string, error) {
	if hostHeader == "" {
		return "", fmt.Errorf("empty host header")
	}

	u, err := url.Parse("//" + hostHeader)
	if err != nil {
		return "", fmt.Errorf("malformed host header %q: %w", hostHeader, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("malformed host header %q", hostHeader)
	}

	return strings.ToLower(host), nil
}

// remoteIP extracts the address part of a net style "host:port" remote
// address. Addresses without a port pass through unchanged.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
