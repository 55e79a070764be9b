// Package client implements the agent side of the tunnel: it dials the
// gateway's control channel, executes forwarded requests against a local
// server, and replies over the same channel.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cajax/burrow/proto"
)

const (
	// streamChunkSize bounds one streamed chunk read off the local response.
	streamChunkSize = 16 * 1024

	// pingInterval keeps NATs and middleboxes from expiring the idle channel.
	pingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
)

// Config defines the configuration for the Client.
type Config struct {
	// ServerURL is the gateway base url, e.g. "wss://gateway.example" or
	// "https://gateway.example". http(s) schemes are rewritten to ws(s).
	ServerURL string

	// Hostname is the public hostname this agent serves.
	Hostname string

	// SignatureKey signs Hostname for the handshake.
	SignatureKey string

	// LocalAddr is the host:port of the local server requests are executed
	// against.
	LocalAddr string

	// ControlPath overrides the gateway control path. If empty
	// proto.DefaultControlPath is used.
	ControlPath string

	// Backoff drives the reconnect schedule. If nil an exponential backoff
	// without an elapsed-time cap is used.
	Backoff backoff.BackOff

	// Log defines the logger. If nil a default zap production logger is used.
	Log *zap.Logger
}

// Client maintains the control channel and executes forwarded requests.
type Client struct {
	controlURL   string
	hostname     string
	signatureKey string
	localAddr    string

	httpc *http.Client
	bo    backoff.BackOff
	log   *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	startNotify chan bool
	notifyOnce  sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new Client. It does not connect; call Start.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: server url must not be empty")
	}
	if cfg.Hostname == "" {
		return nil, errors.New("client: hostname must not be empty")
	}
	if cfg.LocalAddr == "" {
		return nil, errors.New("client: local address must not be empty")
	}

	controlPath := cfg.ControlPath
	if controlPath == "" {
		controlPath = proto.DefaultControlPath
	}

	controlURL, err := controlURLFor(cfg.ServerURL, controlPath)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log, _ = zap.NewProduction()
	}

	bo := cfg.Backoff
	if bo == nil {
		ebo := backoff.NewExponentialBackOff()
		ebo.MaxElapsedTime = 0
		bo = ebo
	}

	return &Client{
		controlURL:   controlURL,
		hostname:     cfg.Hostname,
		signatureKey: cfg.SignatureKey,
		localAddr:    cfg.LocalAddr,
		httpc:        &http.Client{},
		bo:           bo,
		log:          log.With(zap.String("hostname", cfg.Hostname)),
		inflight:     make(map[string]context.CancelFunc),
		startNotify:  make(chan bool, 1),
		closed:       make(chan struct{}),
	}, nil
}

// controlURLFor rewrites the gateway base url into the websocket control url.
func controlURLFor(serverURL, controlPath string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported server url scheme %q", u.Scheme)
	}

	u.Path = controlPath
	return u.String(), nil
}

// StartNotify returns a channel that receives a single value once the first
// control channel is established.
func (c *Client) StartNotify() <-chan bool {
	return c.startNotify
}

// Start connects to the gateway and serves forwarded requests until Close is
// called, reconnecting with backoff whenever the channel drops.
func (c *Client) Start() error {
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		conn, err := c.dial()
		if err != nil {
			wait := c.bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("client: giving up on gateway: %w", err)
			}
			c.log.Warn("gateway dial failed, retrying",
				zap.Duration("retry_in", wait), zap.Error(err))

			select {
			case <-time.After(wait):
				continue
			case <-c.closed:
				return nil
			}
		}

		c.bo.Reset()
		c.setConn(conn)
		c.notifyOnce.Do(func() { c.startNotify <- true })
		c.log.Info("control channel established")

		err = c.serve(conn)
		conn.Close()
		c.setConn(nil)
		c.cancelAll()

		select {
		case <-c.closed:
			return nil
		default:
			c.log.Warn("control channel lost", zap.Error(err))
		}

		wait := c.bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("client: giving up on gateway: %w", err)
		}
		select {
		case <-time.After(wait):
		case <-c.closed:
			return nil
		}
	}
}

// Close shuts the agent down and stops reconnecting.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.writeMu.Unlock()
	})
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(proto.HostnameHeader, c.hostname)
	header.Set(proto.SignatureHeader, proto.SignHostname(c.hostname, c.signatureKey))

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.Dial(c.controlURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.controlURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.controlURL, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// serve pumps the channel until it fails, running the read and ping loops
// concurrently.
func (c *Client) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.closed:
			cancel()
			conn.Close()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx, conn) })
	g.Go(func() error { return c.pingLoop(ctx, conn) })
	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := proto.Decode(data)
		if err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch f := frame.(type) {
		case *proto.ForwardedRequest:
			go c.handleRequest(ctx, f)
		case *proto.CancelRequest:
			c.cancelRequest(f.RequestID)
		default:
			c.log.Warn("dropping unexpected frame", zap.String("type", frame.FrameType()))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleRequest executes one forwarded request against the local server and
// replies in the requested response mode.
func (c *Client) handleRequest(ctx context.Context, freq *proto.ForwardedRequest) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.track(freq.RequestID, cancel)
	defer c.untrack(freq.RequestID)

	log := c.log.With(
		zap.String("request_id", freq.RequestID),
		zap.String("method", freq.Method),
		zap.String("url", freq.URL))

	body, err := base64.StdEncoding.DecodeString(freq.Body)
	if err != nil {
		log.Warn("request body is not valid base64", zap.Error(err))
		c.sendError(freq, "malformed forwarded request body")
		return
	}

	req, err := http.NewRequestWithContext(rctx, freq.Method,
		"http://"+c.localAddr+freq.URL, bytes.NewReader(body))
	if err != nil {
		log.Warn("cannot build local request", zap.Error(err))
		c.sendError(freq, "malformed forwarded request")
		return
	}

	for name, values := range freq.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Host = c.hostname

	resp, err := c.httpc.Do(req)
	if err != nil {
		if rctx.Err() != nil {
			// Cancelled by the gateway; nobody is waiting for a reply.
			return
		}
		log.Warn("local server request failed", zap.Error(err))
		c.sendError(freq, "local server unreachable")
		return
	}
	defer resp.Body.Close()

	if freq.ResponseMode == proto.ModeStream {
		err = c.sendStreamed(freq, resp)
	} else {
		err = c.sendBuffered(freq, resp)
	}
	if err != nil && rctx.Err() == nil {
		log.Warn("response not delivered to gateway", zap.Error(err))
	}
}

func (c *Client) sendBuffered(freq *proto.ForwardedRequest, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.sendError(freq, "failed to read local response")
	}

	return c.send(&proto.ForwardedResponse{
		RequestID:  freq.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    proto.HeaderMap(resp.Header),
		Body:       base64.StdEncoding.EncodeToString(body),
	})
}

func (c *Client) sendStreamed(freq *proto.ForwardedRequest, resp *http.Response) error {
	if err := c.send(&proto.StreamStart{
		RequestID:  freq.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    proto.HeaderMap(resp.Header),
	}); err != nil {
		return err
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)

		if n > 0 || err == io.EOF {
			chunk := &proto.StreamChunk{
				RequestID: freq.RequestID,
				Body:      base64.StdEncoding.EncodeToString(buf[:n]),
				IsFinal:   err == io.EOF,
			}
			if serr := c.send(chunk); serr != nil {
				return serr
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			// The local stream broke mid-way; the gateway's dispatch ends via
			// client close or peer loss, per the protocol there is no error
			// frame to send here.
			return err
		}
	}
}

// sendError reports a local failure in the response mode the gateway expects,
// so the waiting dispatch terminates promptly.
func (c *Client) sendError(freq *proto.ForwardedRequest, message string) error {
	headers := proto.HeaderMap{"Content-Type": {"text/plain; charset=utf-8"}}
	body := base64.StdEncoding.EncodeToString([]byte(message + "\n"))

	if freq.ResponseMode == proto.ModeStream {
		if err := c.send(&proto.StreamStart{
			RequestID:  freq.RequestID,
			StatusCode: http.StatusBadGateway,
			Headers:    headers,
		}); err != nil {
			return err
		}
		return c.send(&proto.StreamChunk{
			RequestID: freq.RequestID,
			Body:      body,
			IsFinal:   true,
		})
	}

	return c.send(&proto.ForwardedResponse{
		RequestID:  freq.RequestID,
		StatusCode: http.StatusBadGateway,
		Headers:    headers,
		Body:       body,
	})
}

func (c *Client) send(f proto.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errors.New("control channel not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) track(requestID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inflight[requestID] = cancel
	c.mu.Unlock()
}

func (c *Client) untrack(requestID string) {
	c.mu.Lock()
	delete(c.inflight, requestID)
	c.mu.Unlock()
}

func (c *Client) cancelRequest(requestID string) {
	c.mu.Lock()
	cancel := c.inflight[requestID]
	c.mu.Unlock()

	if cancel != nil {
		c.log.Debug("cancelling forwarded request", zap.String("request_id", requestID))
		cancel()
	}
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
