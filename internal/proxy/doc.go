// Package proxy implements the authenticated HTTP forward proxy.
//
// HTTPProxyServer authenticates every request and then either forwards it as
// a parsed HTTP round trip (Forwarder) or, for CONNECT, hijacks the
// connection and relays raw bytes to the dialed target (CopyBidirectional).
// Request-time failures are reported as *Error and mapped to a status code
// and a short fixed body.
package proxy
