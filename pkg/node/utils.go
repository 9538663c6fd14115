package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds defPort when the address has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

// NormalizeEndpoints applies NormalizeHostPort to every endpoint.
func NormalizeEndpoints(endpoints []string, defPort string) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, NormalizeHostPort(e, defPort))
	}
	return out
}
