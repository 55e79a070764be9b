package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cajax/burrow/metrics"
	"github.com/cajax/burrow/proto"
)

// FrameHandler receives inbound frames for one request id. Handlers are
// invoked from the peer's read loop, one frame at a time, in arrival order.
type FrameHandler func(proto.Frame)

// Peer is one connected agent: a duplex control channel plus bookkeeping.
// Frames are JSON text messages on the underlying websocket. Sends may come
// from many dispatches concurrently and are serialized on a write mutex;
// inbound frames are routed to the handler subscribed under their request id.
type Peer struct {
	hostname  string
	remoteIP  string
	createdAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]FrameHandler

	closeOnce sync.Once
	done      chan struct{}

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewPeer wraps an established control channel. The caller runs ReadLoop.
func NewPeer(hostname string, conn *websocket.Conn, remoteIP string, m *metrics.Metrics, log *zap.Logger) *Peer {
	return &Peer{
		hostname:  hostname,
		remoteIP:  remoteIP,
		createdAt: time.Now(),
		conn:      conn,
		handlers:  make(map[string]FrameHandler),
		done:      make(chan struct{}),
		metrics:   m,
		log:       log.With(zap.String("hostname", hostname)),
	}
}

// Hostname returns the hostname this peer is bound under.
func (p *Peer) Hostname() string { return p.hostname }

// RemoteIP returns the observed remote address of the control channel.
func (p *Peer) RemoteIP() string { return p.remoteIP }

// CreatedAt returns when the control channel was established.
func (p *Peer) CreatedAt() time.Time { return p.createdAt }

// Done is closed when the control channel shuts down, whether by explicit
// Close, eviction, or transport failure.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send encodes the frame and writes it as a single text message. It fails
// with ErrChannelClosed once the channel is shut.
func (p *Peer) Send(f proto.Frame) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}

	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	err = p.conn.WriteMessage(websocket.TextMessage, data)
	p.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Subscribe registers the handler for frames carrying the request id. One
// handler per id; a second Subscribe for the same id replaces the first.
func (p *Peer) Subscribe(requestID string, h FrameHandler) {
	p.mu.Lock()
	p.handlers[requestID] = h
	p.mu.Unlock()
}

// Unsubscribe removes the handler for the request id.
func (p *Peer) Unsubscribe(requestID string) {
	p.mu.Lock()
	delete(p.handlers, requestID)
	p.mu.Unlock()
}

// Subscribers returns the number of registered handlers.
func (p *Peer) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Close shuts the control channel. Subscribers observe it through Done;
// further Sends fail with ErrChannelClosed.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// ReadLoop pumps inbound messages until the channel dies, routing each frame
// to the subscriber for its request id. Malformed or unknown frames are
// dropped with a warning; they never terminate the channel. Returns the read
// error that ended the loop, after closing the peer.
func (p *Peer) ReadLoop() error {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.Close()
			return err
		}

		frame, err := proto.Decode(data)
		if err != nil {
			p.metrics.FrameDropped()
			p.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		p.mu.Lock()
		h := p.handlers[frame.FrameRequestID()]
		p.mu.Unlock()

		if h == nil {
			// Late frames for terminated dispatches land here.
			p.metrics.FrameDropped()
			p.log.Debug("dropping frame with no subscriber",
				zap.String("type", frame.FrameType()),
				zap.String("request_id", frame.FrameRequestID()))
			continue
		}

		h(frame)
	}
}

// IsClosed reports whether the channel has shut down.
func (p *Peer) IsClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
