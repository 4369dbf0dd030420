// Package header strips connection-scoped headers at the proxy boundary.
package header

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Direction says which way a header set crosses the proxy.
type Direction int

const (
	// OutboundRequest is a request the proxy sends to an upstream target.
	OutboundRequest Direction = iota
	// InboundResponse is an upstream response relayed back to the caller.
	InboundResponse
)

func (d Direction) String() string {
	if d == InboundResponse {
		return "inbound-response"
	}
	return "outbound-request"
}

// HopByHop lists the headers that are meaningful for a single connection
// only. Proxy-Connection is not standard but is still sent by some clients.
var HopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Sanitize returns a copy of h without hop-by-hop headers and without any
// header named in a Connection value. For OutboundRequest the User-Agent is
// replaced by userAgent. h is not modified.
func Sanitize(d Direction, h http.Header, userAgent string) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}

	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = textproto.TrimString(name)
			if httpguts.ValidHeaderFieldName(name) {
				out.Del(name)
			}
		}
	}
	for _, name := range HopByHop {
		out.Del(name)
	}

	if d == OutboundRequest {
		out.Set("User-Agent", userAgent)
	}
	return out
}
