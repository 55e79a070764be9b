// Package tunnel implements a reverse-tunneling HTTP gateway: a publicly
// reachable server that accepts requests on behalf of privately hosted
// services and forwards each one, over a control channel established from
// the private side, to the agent that executes it and replies the same way.
package tunnel

import (
	"errors"
	"net/http"
	"path"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cajax/burrow/metrics"
	"github.com/cajax/burrow/proto"
)

// ClientState represents a peer's connection state.
type ClientState int

const (
	ClientUnknown ClientState = iota
	ClientConnected
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientConnected:
		return "Connected"
	case ClientClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ClientStateChange describes a peer state transition.
type ClientStateChange struct {
	Hostname string
	Previous ClientState
	Current  ClientState
	Error    error
}

// ServerConfig defines the configuration for the Server.
type ServerConfig struct {
	// SignatureKey signs the hostname an agent presents at handshake.
	SignatureKey string

	// ControlPath is the url path agents dial for the control channel. If
	// empty proto.DefaultControlPath is used.
	ControlPath string

	// InspectorPath is the url path of the request dashboard. If empty
	// proto.DefaultInspectorPath is used.
	InspectorPath string

	// LogStore persists captured exchanges. If nil an in memory store is used.
	LogStore LogStore

	// CredentialStore holds dashboard passwords. If nil an in memory store is
	// used.
	CredentialStore CredentialStore

	// Renderer draws the dashboard. If nil the stock HTML renderer is used.
	Renderer Renderer

	// StateChanges receives peer transition details each time a control
	// channel opens or closes. The channel is expected to be sufficiently
	// buffered to keep up with event pace; transitions are dropped otherwise.
	StateChanges chan<- *ClientStateChange

	// Metrics receives gateway metrics. Optional.
	Metrics *metrics.Metrics

	// Log defines the logger. If nil a default zap production logger is used.
	Log *zap.Logger
}

// Server is the gateway front door. It implements http.Handler: the control
// path upgrades agent connections, the inspector path serves the dashboard,
// every other request is forwarded through the peer owning its Host header.
type Server struct {
	registry   *Registry
	dispatcher *Dispatcher
	recorder   *Recorder
	replayer   *Replayer
	inspector  *Inspector

	upgrader      websocket.Upgrader
	signatureKey  string
	controlPath   string
	inspectorPath string

	states   map[string]ClientState
	statesMu sync.Mutex
	stateCh  chan<- *ClientStateChange

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewServer creates a new Server. Defaults are used for everything the
// config leaves unset, except SignatureKey which is required.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.SignatureKey == "" {
		return nil, errors.New("tunnel: signature key must not be empty")
	}

	log := cfg.Log
	if log == nil {
		log, _ = zap.NewProduction()
	}

	logStore := cfg.LogStore
	if logStore == nil {
		logStore = NewMemoryLogStore()
	}

	credStore := cfg.CredentialStore
	if credStore == nil {
		credStore = NewMemoryCredentialStore()
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewHTMLRenderer()
	}

	controlPath := cfg.ControlPath
	if controlPath == "" {
		controlPath = proto.DefaultControlPath
	}

	inspectorPath := cfg.InspectorPath
	if inspectorPath == "" {
		inspectorPath = proto.DefaultInspectorPath
	}

	registry := NewRegistry()
	recorder := NewRecorder(logStore, cfg.Metrics, log)
	dispatcher := NewDispatcher(recorder, cfg.Metrics, log)
	replayer := NewReplayer(registry, logStore, dispatcher, log)
	inspector := NewInspector(logStore, credStore, replayer, renderer, log)

	return &Server{
		registry:      registry,
		dispatcher:    dispatcher,
		recorder:      recorder,
		replayer:      replayer,
		inspector:     inspector,
		signatureKey:  cfg.SignatureKey,
		controlPath:   controlPath,
		inspectorPath: inspectorPath,
		states:        make(map[string]ClientState),
		stateCh:       cfg.StateChanges,
		metrics:       cfg.Metrics,
		log:           log,
	}, nil
}

// Registry exposes the hostname to peer mapping.
func (s *Server) Registry() *Registry { return s.registry }

// Close evicts every peer and stops the recorder.
func (s *Server) Close() {
	s.registry.each(func(p *Peer) {
		p.Close()
	})
	s.recorder.Close()
}

// ServeHTTP routes between the control channel, the inspector, and the
// public forwarding path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch path.Clean(r.URL.Path) {
	case s.controlPath:
		s.handleControl(w, r)
	case s.inspectorPath:
		s.handleInspector(w, r)
	default:
		s.handlePublic(w, r)
	}
}

// handleControl upgrades an agent connection into a bound peer. The agent
// presents the hostname it serves plus an HMAC of it under the shared key;
// past this check the peer is considered identified.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(proto.HostnameHeader)
	signature := r.Header.Get(proto.SignatureHeader)

	hostname, err := NormalizeHost(presented)
	if err != nil {
		http.Error(w, "invalid tunnel hostname", http.StatusBadRequest)
		return
	}

	if !proto.VerifySignature(presented, s.signatureKey, signature) {
		s.log.Warn("rejecting control connection with bad signature",
			zap.String("hostname", hostname), zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Warn("control channel upgrade failed", zap.Error(err))
		return
	}

	peer := NewPeer(hostname, conn, remoteIP(r.RemoteAddr), s.metrics, s.log)

	if evicted := s.registry.Bind(hostname, peer); evicted != nil {
		s.log.Warn("evicted previous peer for hostname",
			zap.String("hostname", hostname), zap.String("previous_remote", evicted.RemoteIP()))
	}

	s.metrics.PeerConnected()
	s.changeState(hostname, ClientConnected, nil)
	s.log.Info("peer connected",
		zap.String("hostname", hostname), zap.String("remote", peer.RemoteIP()))

	go func() {
		err := peer.ReadLoop()
		s.metrics.PeerDisconnected()
		// A peer that lost its binding to a reconnection must not report the
		// replacement's hostname as closed.
		if s.registry.Unbind(hostname, peer) {
			s.changeState(hostname, ClientClosed, err)
		}
		s.log.Info("peer disconnected", zap.String("hostname", hostname), zap.Error(err))
	}()
}

func (s *Server) handleInspector(w http.ResponseWriter, r *http.Request) {
	hostname, err := NormalizeHost(r.Host)
	if err != nil {
		http.Error(w, "invalid Host header", http.StatusBadRequest)
		return
	}

	s.inspector.Handle(w, r, hostname)
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	hostname, err := NormalizeHost(r.Host)
	if err != nil {
		http.Error(w, "invalid Host header", http.StatusBadRequest)
		return
	}

	peer, ok := s.registry.Lookup(hostname)
	if !ok {
		http.Error(w, "no tunnel registered for "+hostname, http.StatusNotFound)
		return
	}

	s.dispatcher.Dispatch(w, r, hostname, peer)
}

func (s *Server) changeState(hostname string, state ClientState, err error) (prev ClientState) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	prev = s.states[hostname]
	s.states[hostname] = state

	if s.stateCh != nil {
		change := &ClientStateChange{
			Hostname: hostname,
			Previous: prev,
			Current:  state,
			Error:    err,
		}

		select {
		case s.stateCh <- change:
		default:
			s.log.Warn("dropping state change due to slow reader",
				zap.String("hostname", hostname), zap.String("state", state.String()))
		}
	}

	return prev
}
