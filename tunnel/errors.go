package tunnel

import "errors"

var (
	// ErrChannelClosed is returned by Peer.Send after the control channel shut.
	ErrChannelClosed = errors.New("control channel closed")

	// ErrNoPeer means no peer is currently bound for the hostname.
	ErrNoPeer = errors.New("no peer bound for hostname")

	// ErrPeerGone means the peer disconnected while an exchange was in flight.
	ErrPeerGone = errors.New("peer disconnected mid-flight")

	// ErrTimeout means a buffered dispatch hit its deadline before the reply.
	ErrTimeout = errors.New("dispatch deadline exceeded")

	// ErrNotFound means a replay target does not exist or belongs to another
	// hostname.
	ErrNotFound = errors.New("request log not found")

	// ErrNoCredential means no inspector password is provisioned for the
	// hostname.
	ErrNoCredential = errors.New("no credential for hostname")
)
