package httpx

import (
	"net"
	"net/http"
	"strings"
)

const ClientIDHeader = "X-Client-Id"

// ClientKey identifies the caller for rate limiting: an explicit client id,
// then the first forwarded address, then the peer address.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return id
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
