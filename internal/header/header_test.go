package header

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dir  Direction
		in   http.Header
		want http.Header
	}{
		{
			name: "outbound strips hop-by-hop and overrides user agent",
			dir:  OutboundRequest,
			in: http.Header{
				"Connection":          {"keep-alive, X-Session"},
				"Keep-Alive":          {"timeout=5"},
				"Proxy-Authorization": {"Basic Zm9vOmJhcg=="},
				"Te":                  {"trailers"},
				"Trailer":             {"Expires"},
				"Transfer-Encoding":   {"chunked"},
				"Upgrade":             {"websocket"},
				"X-Session":           {"abc"},
				"User-Agent":          {"curl/8.0", "other"},
				"Accept":              {"*/*"},
			},
			want: http.Header{
				"User-Agent": {"agent/1.0"},
				"Accept":     {"*/*"},
			},
		},
		{
			name: "outbound adds user agent when absent",
			dir:  OutboundRequest,
			in:   http.Header{"Accept": {"text/html"}},
			want: http.Header{"Accept": {"text/html"}, "User-Agent": {"agent/1.0"}},
		},
		{
			name: "inbound keeps user agent and end-to-end headers",
			dir:  InboundResponse,
			in: http.Header{
				"Content-Type":       {"application/json"},
				"Proxy-Authenticate": {"Basic"},
				"Connection":         {"close"},
				"Server":             {"upstream"},
				"User-Agent":         {"odd-but-kept"},
			},
			want: http.Header{
				"Content-Type": {"application/json"},
				"Server":       {"upstream"},
				"User-Agent":   {"odd-but-kept"},
			},
		},
		{
			name: "connection tokens across multiple values",
			dir:  InboundResponse,
			in: http.Header{
				"Connection": {"X-A", " x-b ,, bad header"},
				"X-A":        {"1"},
				"X-B":        {"2"},
				"X-C":        {"3"},
			},
			want: http.Header{"X-C": {"3"}},
		},
		{
			name: "nil header",
			dir:  InboundResponse,
			in:   nil,
			want: http.Header{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Sanitize(tt.dir, tt.in, "agent/1.0")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Sanitize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()

	in := http.Header{
		"Connection":        {"X-Hop"},
		"X-Hop":             {"1"},
		"Upgrade":           {"h2c"},
		"Transfer-Encoding": {"chunked"},
		"User-Agent":        {"client"},
		"Cookie":            {"a=b"},
	}

	for _, dir := range []Direction{OutboundRequest, InboundResponse} {
		t.Run(dir.String(), func(t *testing.T) {
			t.Parallel()

			once := Sanitize(dir, in, "agent/1.0")
			twice := Sanitize(dir, once, "agent/1.0")
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Fatalf("not idempotent (-once +twice):\n%s", diff)
			}
		})
	}
}

func TestSanitizeDoesNotModifyInput(t *testing.T) {
	t.Parallel()

	in := http.Header{"Connection": {"close"}, "User-Agent": {"client"}}
	want := in.Clone()

	_ = Sanitize(OutboundRequest, in, "agent/1.0")
	if diff := cmp.Diff(want, in); diff != "" {
		t.Fatalf("input modified (-want +got):\n%s", diff)
	}
}
