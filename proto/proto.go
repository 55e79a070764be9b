// Package proto defines the gateway/agent control channel protocol.
package proto

const (
	// DefaultControlPath is the http.Handler url path for the control channel.
	DefaultControlPath = "/_burrow"

	// DefaultInspectorPath is the http.Handler url path for the request inspector.
	DefaultInspectorPath = "/_inspector"

	// HostnameHeader carries the hostname the connecting agent wants to serve.
	HostnameHeader = "X-Tunnel-Hostname"

	// SignatureHeader carries the HMAC of HostnameHeader under the shared key.
	SignatureHeader = "X-Tunnel-Signature"
)

// ResponseMode selects how the agent delivers the response for a forwarded
// request.
type ResponseMode string

const (
	// ModeBuffer delivers the whole response in a single ForwardedResponse frame.
	ModeBuffer ResponseMode = "buffer"

	// ModeStream delivers the response incrementally as a stream start frame
	// followed by chunk frames.
	ModeStream ResponseMode = "stream"
)
