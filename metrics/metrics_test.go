package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()

	m.ObserveDispatch("buffer", "delivered", 250*time.Millisecond)
	m.PeerConnected()
	m.FrameDropped()
	m.RecordDropped()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("buffer", "delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectedPeers))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsDropped))

	m.PeerDisconnected()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectedPeers))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// Every helper must be a no-op on a nil receiver.
	m.ObserveDispatch("stream", "peer_gone", time.Second)
	m.PeerConnected()
	m.PeerDisconnected()
	m.FrameDropped()
	m.RecordDropped()
}
